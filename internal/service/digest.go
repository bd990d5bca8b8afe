package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/sumire/pulse/internal/domain"
)

// NotificationBatchStore is the pending-batch slice of notification storage
// consumed by the digest worker.
type NotificationBatchStore interface {
	ListDigestPending(ctx context.Context, userID int64) ([]domain.Notification, error)
	ClearDigestPending(ctx context.Context, ids []int64) error
}

// JobFailureTracker caps digest retries across cycles.
type JobFailureTracker interface {
	IncrementFailures(ctx context.Context, userID int64) (int, error)
	ResetFailures(ctx context.Context, userID int64) error
}

// TokenIssuer mints unsubscribe tokens for digest emails.
type TokenIssuer interface {
	Issue(userID int64, purpose string, ttl time.Duration) (string, error)
}

// DigestWorker assembles and hands off one user's digest when their job
// fires. Semantics are at-least-once: the pending batch is cleared only
// after a successful mailer handoff, so a failed send leaves the batch for
// the next cycle.
type DigestWorker struct {
	notifications NotificationBatchStore
	jobs          JobFailureTracker
	tokens        TokenIssuer
	mailer        Mailer
	publicURL     string
	tokenTTL      time.Duration
	maxFailures   int
	now           func() time.Time
}

// NewDigestWorker creates a new DigestWorker.
func NewDigestWorker(notifications NotificationBatchStore, jobs JobFailureTracker, tokens TokenIssuer, mailer Mailer, publicURL string, tokenTTL time.Duration) *DigestWorker {
	return &DigestWorker{
		notifications: notifications,
		jobs:          jobs,
		tokens:        tokens,
		mailer:        mailer,
		publicURL:     publicURL,
		tokenTTL:      tokenTTL,
		maxFailures:   3,
		now:           time.Now,
	}
}

// Deliver runs one digest cycle for the user: gather the pending batch,
// attach a fresh unsubscribe token, hand off to the mailer, then clear the
// batch. Mailer failure gets one immediate retry; after that the batch is
// retained and the failure counted.
func (w *DigestWorker) Deliver(ctx context.Context, userID int64) error {
	items, err := w.notifications.ListDigestPending(ctx, userID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		slog.Debug("digest cycle skipped, nothing pending", "user_id", userID)
		return nil
	}

	token, err := w.tokens.Issue(userID, PurposeDigestUnsubscribe, w.tokenTTL)
	if err != nil {
		return err
	}

	digest := domain.Digest{
		UserID:         userID,
		Items:          items,
		GeneratedAt:    w.now(),
		UnsubscribeURL: fmt.Sprintf("%s/unsubscribe?token=%s", w.publicURL, url.QueryEscape(token)),
	}

	if err := w.send(ctx, digest); err != nil {
		failures, ferr := w.jobs.IncrementFailures(ctx, userID)
		if ferr != nil {
			slog.Error("record digest failure", "user_id", userID, "error", ferr)
		}
		if failures >= w.maxFailures {
			slog.Error("digest failure cap reached, batch retained for next cycle",
				"user_id", userID, "failures", failures)
		}
		return fmt.Errorf("send digest for user %d: %w", userID, err)
	}

	ids := make([]int64, len(items))
	for i, n := range items {
		ids[i] = n.ID
	}
	if err := w.notifications.ClearDigestPending(ctx, ids); err != nil {
		// Batch will be re-included next cycle; duplicates across cycles are
		// acceptable, lost items are not.
		return err
	}
	if err := w.jobs.ResetFailures(ctx, userID); err != nil {
		slog.Warn("reset digest failures", "user_id", userID, "error", err)
	}

	slog.Info("digest delivered", "user_id", userID, "items", len(ids))
	return nil
}

// send hands the digest to the mailer with a single capped retry.
func (w *DigestWorker) send(ctx context.Context, digest domain.Digest) error {
	err := w.mailer.SendDigest(ctx, digest)
	if err == nil {
		return nil
	}
	slog.Warn("digest handoff failed, retrying once", "user_id", digest.UserID, "error", err)
	return w.mailer.SendDigest(ctx, digest)
}

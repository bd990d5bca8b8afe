package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sumire/pulse/internal/domain"
)

// NotificationInserter persists routed notifications.
type NotificationInserter interface {
	Insert(ctx context.Context, n domain.Notification) (*domain.Notification, error)
}

// PreferenceGetter resolves a user's preference, creating defaults lazily.
type PreferenceGetter interface {
	Get(ctx context.Context, userID int64) (*domain.NotificationPreference, error)
}

// Router decides whether and how a domain event reaches a user: which
// channels, immediately or batched into the next digest.
type Router struct {
	prefs         PreferenceGetter
	notifications NotificationInserter
	mailer        Mailer
	now           func() time.Time
}

// NewRouter creates a new Router.
func NewRouter(prefs PreferenceGetter, notifications NotificationInserter, mailer Mailer) *Router {
	return &Router{prefs: prefs, notifications: notifications, mailer: mailer, now: time.Now}
}

// preference resolves the user's preference, falling back to defaults so a
// missing or unreadable preference never fails routing.
func (r *Router) preference(ctx context.Context, userID int64) domain.NotificationPreference {
	pref, err := r.prefs.Get(ctx, userID)
	if err != nil {
		slog.Warn("preference lookup failed, using defaults", "user_id", userID, "error", err)
		return domain.DefaultPreference(userID)
	}
	return *pref
}

// ShouldDeliver reports whether the channel is enabled for this event type
// under the user's preference.
func (r *Router) ShouldDeliver(ctx context.Context, userID int64, et domain.EventType, ch domain.Channel) bool {
	return r.preference(ctx, userID).Allows(et, ch)
}

// Route applies the delivery decision for one event:
//  1. channels disabled for the event type are suppressed;
//  2. quiet hours suppress everything except critical events;
//  3. email is sent immediately or batched for the next digest depending on
//     the user's cadence.
func (r *Router) Route(ctx context.Context, event domain.Event) error {
	pref := r.preference(ctx, event.UserID)

	inApp := pref.Allows(event.Type, domain.ChannelInApp)
	email := pref.Allows(event.Type, domain.ChannelEmail)
	if !inApp && !email {
		slog.Debug("notification suppressed, channels disabled",
			"user_id", event.UserID, "event_type", event.Type)
		return nil
	}

	if pref.InQuietHours(r.now()) && !event.Critical() {
		slog.Info("notification suppressed by quiet hours",
			"user_id", event.UserID, "event_type", event.Type, "severity", event.Severity)
		return nil
	}

	batchEmail := email && pref.DigestCadence != domain.DigestDisabled

	stored, err := r.notifications.Insert(ctx, domain.Notification{
		UserID:        event.UserID,
		Type:          event.Type,
		Severity:      event.Severity,
		Title:         event.Title,
		Message:       event.Message,
		DigestPending: batchEmail,
	})
	if err != nil {
		return err
	}

	if email && !batchEmail {
		if err := r.mailer.SendImmediate(ctx, *stored); err != nil {
			// The in-app copy is already stored; email delivery failure must
			// not fail the upstream event emitter.
			slog.Error("immediate email handoff failed",
				"user_id", event.UserID, "notification_id", stored.ID, "error", err)
		}
	}
	return nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/sumire/pulse/internal/domain"
)

// PreferenceFinder reads stored preferences without creating defaults. The
// scheduler only reads; the user (or reset) is the only writer.
type PreferenceFinder interface {
	Find(ctx context.Context, userID int64) (*domain.NotificationPreference, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
}

// JobRegistry is the durable per-user digest job registry.
type JobRegistry interface {
	Find(ctx context.Context, userID int64) (*domain.DigestJob, error)
	Upsert(ctx context.Context, job domain.DigestJob) error
	Delete(ctx context.Context, userID int64) error
	List(ctx context.Context) ([]domain.DigestJob, error)
}

// CronRunner is the recurring job runtime. *cron.Cron satisfies it; tests
// substitute a recording fake.
type CronRunner interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
	Remove(id cron.EntryID)
}

// DigestDeliverer runs one digest cycle for a user when their job fires.
type DigestDeliverer interface {
	Deliver(ctx context.Context, userID int64) error
}

// DigestScheduler maintains at most one recurring digest job per user. All
// check-then-act sequences run under a per-user lock so concurrent preference
// saves cannot produce two live jobs.
type DigestScheduler struct {
	prefs      PreferenceFinder
	jobs       JobRegistry
	runner     CronRunner
	worker     DigestDeliverer
	production bool

	mu        sync.Mutex
	userLocks map[int64]*sync.Mutex
	entries   map[int64]cron.EntryID
}

// NewDigestScheduler creates a new DigestScheduler.
func NewDigestScheduler(prefs PreferenceFinder, jobs JobRegistry, runner CronRunner, worker DigestDeliverer, production bool) *DigestScheduler {
	return &DigestScheduler{
		prefs:      prefs,
		jobs:       jobs,
		runner:     runner,
		worker:     worker,
		production: production,
		userLocks:  make(map[int64]*sync.Mutex),
		entries:    make(map[int64]cron.EntryID),
	}
}

func (s *DigestScheduler) lockFor(userID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

// ScheduleOrReschedule derives the user's cron expression from their stored
// preference and installs it, replacing any existing job. Idempotent: any
// number of rapid calls converge on exactly one live job.
func (s *DigestScheduler) ScheduleOrReschedule(ctx context.Context, userID int64) error {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	pref, err := s.prefs.Find(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return s.cancelLocked(ctx, userID)
		}
		return err
	}
	if pref.DigestCadence == domain.DigestDisabled {
		return s.cancelLocked(ctx, userID)
	}

	expr, err := domain.DeriveCronExpr(pref.DigestCadence, pref.DigestTime, pref.Timezone)
	if err != nil {
		return err
	}

	return s.installLocked(ctx, userID, expr)
}

// installLocked removes the user's current entry, if any, then registers the
// new one. Caller must hold the user's lock.
func (s *DigestScheduler) installLocked(ctx context.Context, userID int64, expr string) error {
	s.removeEntry(userID)

	id, err := s.runner.AddFunc(expr, s.fireFunc(userID))
	if err != nil {
		return fmt.Errorf("%w: add cron entry for user %d: %v", domain.ErrSchedulerUnavailable, userID, err)
	}

	job := domain.DigestJob{UserID: userID, CronExpr: expr, Handle: uuid.NewString()}
	if err := s.jobs.Upsert(ctx, job); err != nil {
		s.runner.Remove(id)
		return fmt.Errorf("%w: persist digest job for user %d: %v", domain.ErrSchedulerUnavailable, userID, err)
	}

	s.mu.Lock()
	if _, exists := s.entries[userID]; exists {
		// Should be impossible under the per-user lock; treat as a bug signal.
		slog.Error("duplicate digest job entry", "user_id", userID, "error", domain.ErrDuplicateJob)
	}
	s.entries[userID] = id
	s.mu.Unlock()

	slog.Info("digest job scheduled", "user_id", userID, "cron", expr, "handle", job.Handle)
	return nil
}

// Cancel removes the user's digest job. Cancelling a non-existent job is a
// no-op, not an error.
func (s *DigestScheduler) Cancel(ctx context.Context, userID int64) error {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.cancelLocked(ctx, userID)
}

func (s *DigestScheduler) cancelLocked(ctx context.Context, userID int64) error {
	s.removeEntry(userID)
	if err := s.jobs.Delete(ctx, userID); err != nil {
		return fmt.Errorf("%w: delete digest job for user %d: %v", domain.ErrSchedulerUnavailable, userID, err)
	}
	return nil
}

// removeEntry drops the in-process cron entry by its runner-assigned handle.
func (s *DigestScheduler) removeEntry(userID int64) {
	s.mu.Lock()
	id, ok := s.entries[userID]
	if ok {
		delete(s.entries, userID)
	}
	s.mu.Unlock()
	if ok {
		s.runner.Remove(id)
	}
}

// Reconcile restores cron entries from the durable registry after a restart.
// In production only orphaned rows (no active preference, or cadence
// disabled) are removed; valid jobs are reinstalled intact. Outside
// production the registry is wiped and rebuilt from preferences.
func (s *DigestScheduler) Reconcile(ctx context.Context) error {
	if !s.production {
		return s.rebuild(ctx)
	}

	rows, err := s.jobs.List(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		pref, err := s.prefs.Find(ctx, row.UserID)
		switch {
		case errors.Is(err, domain.ErrNotFound), err == nil && pref.DigestCadence == domain.DigestDisabled:
			slog.Info("removing orphaned digest job", "user_id", row.UserID, "handle", row.Handle)
			if err := s.Cancel(ctx, row.UserID); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := s.ScheduleOrReschedule(ctx, row.UserID); err != nil {
				return err
			}
		}
	}
	return nil
}

// rebuild wipes every registered job and re-derives from preferences.
// Destructive, so only allowed outside production.
func (s *DigestScheduler) rebuild(ctx context.Context) error {
	rows, err := s.jobs.List(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := s.Cancel(ctx, row.UserID); err != nil {
			return err
		}
	}
	userIDs, err := s.prefs.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		if err := s.ScheduleOrReschedule(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *DigestScheduler) fireFunc(userID int64) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.worker.Deliver(ctx, userID); err != nil {
			slog.Error("digest delivery failed", "user_id", userID, "error", err)
		}
	}
}

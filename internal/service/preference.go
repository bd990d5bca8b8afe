package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sumire/pulse/internal/domain"
)

// PreferenceStore defines the preference data access interface consumed by
// PreferenceService.
type PreferenceStore interface {
	Find(ctx context.Context, userID int64) (*domain.NotificationPreference, error)
	Upsert(ctx context.Context, pref domain.NotificationPreference) (*domain.NotificationPreference, error)
}

// DigestRescheduler is the slice of the digest scheduler the registry needs:
// cadence-relevant preference changes reschedule, disabling cancels.
type DigestRescheduler interface {
	ScheduleOrReschedule(ctx context.Context, userID int64) error
	Cancel(ctx context.Context, userID int64) error
}

// PreferencePatch is a partial preference update. Nil fields are left
// unchanged; ClearQuietHours removes the quiet-hours window entirely.
type PreferencePatch struct {
	ChannelRules    *domain.ChannelRules
	QuietStart      *string
	QuietEnd        *string
	ClearQuietHours bool
	Timezone        *string
	DigestCadence   *domain.DigestCadence
	DigestTime      *string
}

// PreferenceService owns notification preference lifecycle: lazy defaults on
// first access, validated partial merges, and reset. It is the only caller of
// the scheduler besides startup reconcile, so every cadence change flows
// through exactly one place.
type PreferenceService struct {
	store     PreferenceStore
	scheduler DigestRescheduler
}

// NewPreferenceService creates a new PreferenceService.
func NewPreferenceService(store PreferenceStore, scheduler DigestRescheduler) *PreferenceService {
	return &PreferenceService{store: store, scheduler: scheduler}
}

// Get returns the user's preference, creating the default row on first
// access.
func (s *PreferenceService) Get(ctx context.Context, userID int64) (*domain.NotificationPreference, error) {
	pref, err := s.store.Find(ctx, userID)
	if err == nil {
		return pref, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	created, err := s.store.Upsert(ctx, domain.DefaultPreference(userID))
	if err != nil {
		return nil, fmt.Errorf("create default preference: %w", err)
	}
	return created, nil
}

// Update applies a validated partial merge. The merged result is validated
// fully before anything is persisted, so a failed update never leaves a
// partially-applied state. Cadence-relevant changes reschedule or cancel the
// user's digest job.
func (s *PreferenceService) Update(ctx context.Context, userID int64, patch PreferencePatch) (*domain.NotificationPreference, error) {
	current, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	next := *current
	if patch.ChannelRules != nil {
		next.ChannelRules = *patch.ChannelRules
	}
	if patch.ClearQuietHours {
		next.QuietStart = nil
		next.QuietEnd = nil
	}
	if patch.QuietStart != nil {
		next.QuietStart = patch.QuietStart
	}
	if patch.QuietEnd != nil {
		next.QuietEnd = patch.QuietEnd
	}
	if patch.Timezone != nil {
		next.Timezone = *patch.Timezone
	}
	if patch.DigestCadence != nil {
		next.DigestCadence = *patch.DigestCadence
	}
	if patch.DigestTime != nil {
		next.DigestTime = *patch.DigestTime
	}

	if err := next.Validate(); err != nil {
		return nil, err
	}

	saved, err := s.store.Upsert(ctx, next)
	if err != nil {
		return nil, err
	}

	if cadenceChanged(current, saved) {
		if err := s.applySchedule(ctx, saved); err != nil {
			return nil, err
		}
	}
	return saved, nil
}

// Reset restores defaults and cancels any scheduled digest job. The row is
// kept (preferences are never hard-deleted), only its contents revert.
func (s *PreferenceService) Reset(ctx context.Context, userID int64) (*domain.NotificationPreference, error) {
	saved, err := s.store.Upsert(ctx, domain.DefaultPreference(userID))
	if err != nil {
		return nil, err
	}
	// Resetting without removing the digest job would orphan it; cancel
	// unconditionally.
	if err := s.scheduler.Cancel(ctx, userID); err != nil {
		return nil, fmt.Errorf("cancel digest job on reset: %w", err)
	}
	return saved, nil
}

// DisableDigest turns the user's digest cadence off and cancels the job.
// Used by the unsubscribe endpoint.
func (s *PreferenceService) DisableDigest(ctx context.Context, userID int64) error {
	disabled := domain.DigestDisabled
	_, err := s.Update(ctx, userID, PreferencePatch{DigestCadence: &disabled})
	return err
}

func (s *PreferenceService) applySchedule(ctx context.Context, pref *domain.NotificationPreference) error {
	if pref.DigestCadence == domain.DigestDisabled {
		if err := s.scheduler.Cancel(ctx, pref.UserID); err != nil {
			return fmt.Errorf("cancel digest job: %w", err)
		}
		slog.Info("digest disabled", "user_id", pref.UserID)
		return nil
	}
	if err := s.scheduler.ScheduleOrReschedule(ctx, pref.UserID); err != nil {
		return fmt.Errorf("reschedule digest job: %w", err)
	}
	return nil
}

func cadenceChanged(before, after *domain.NotificationPreference) bool {
	return before.DigestCadence != after.DigestCadence ||
		before.DigestTime != after.DigestTime ||
		before.Timezone != after.Timezone
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sumire/pulse/internal/domain"
)

// PreferenceRepository handles notification preference data access.
type PreferenceRepository struct {
	db *sqlx.DB
}

// NewPreferenceRepository creates a new PreferenceRepository.
func NewPreferenceRepository(db *sqlx.DB) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

// Find retrieves a user's preference row.
func (r *PreferenceRepository) Find(ctx context.Context, userID int64) (*domain.NotificationPreference, error) {
	var pref domain.NotificationPreference
	err := r.db.GetContext(ctx, &pref,
		`SELECT user_id, channel_rules, quiet_start, quiet_end, timezone,
		        digest_cadence, digest_time, created_at, updated_at
		 FROM notification_preferences WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find preference for user %d: %w", userID, err)
	}
	return &pref, nil
}

// Upsert creates or fully replaces a user's preference row and returns the
// persisted state.
func (r *PreferenceRepository) Upsert(ctx context.Context, pref domain.NotificationPreference) (*domain.NotificationPreference, error) {
	var result domain.NotificationPreference
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO notification_preferences
		     (user_id, channel_rules, quiet_start, quiet_end, timezone, digest_cadence, digest_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id)
		 DO UPDATE SET channel_rules = EXCLUDED.channel_rules,
		               quiet_start = EXCLUDED.quiet_start,
		               quiet_end = EXCLUDED.quiet_end,
		               timezone = EXCLUDED.timezone,
		               digest_cadence = EXCLUDED.digest_cadence,
		               digest_time = EXCLUDED.digest_time,
		               updated_at = NOW()
		 RETURNING user_id, channel_rules, quiet_start, quiet_end, timezone,
		           digest_cadence, digest_time, created_at, updated_at`,
		pref.UserID, pref.ChannelRules, pref.QuietStart, pref.QuietEnd,
		pref.Timezone, pref.DigestCadence, pref.DigestTime,
	).StructScan(&result)
	if err != nil {
		return nil, fmt.Errorf("upsert preference for user %d: %w", pref.UserID, err)
	}
	return &result, nil
}

// ListUserIDs returns all user IDs with a stored preference row. Used by the
// scheduler's startup reconcile.
func (r *PreferenceRepository) ListUserIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids,
		`SELECT user_id FROM notification_preferences ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list preference user ids: %w", err)
	}
	return ids, nil
}

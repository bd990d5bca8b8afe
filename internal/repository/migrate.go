package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS notification_preferences (
    user_id        BIGINT PRIMARY KEY,
    channel_rules  JSONB NOT NULL DEFAULT '{}'::jsonb,
    quiet_start    TEXT,
    quiet_end      TEXT,
    timezone       TEXT NOT NULL DEFAULT 'UTC',
    digest_cadence TEXT NOT NULL DEFAULT 'disabled',
    digest_time    TEXT NOT NULL DEFAULT '09:00',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS notifications (
    id             BIGSERIAL PRIMARY KEY,
    user_id        BIGINT NOT NULL,
    event_type     TEXT NOT NULL,
    severity       TEXT NOT NULL DEFAULT 'info',
    title          TEXT NOT NULL,
    message        TEXT NOT NULL DEFAULT '',
    read           BOOLEAN NOT NULL DEFAULT FALSE,
    digest_pending BOOLEAN NOT NULL DEFAULT FALSE,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_notifications_digest ON notifications (user_id) WHERE digest_pending;

CREATE TABLE IF NOT EXISTS digest_jobs (
    user_id    BIGINT PRIMARY KEY,
    cron_expr  TEXT NOT NULL,
    handle     TEXT NOT NULL,
    failures   INT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Migrate applies the schema. Statements are idempotent so it is safe to run
// on every boot.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sumire/pulse/internal/domain"
)

// DigestJobRepository persists the per-user digest job registry. The
// scheduler is the sole writer.
type DigestJobRepository struct {
	db *sqlx.DB
}

// NewDigestJobRepository creates a new DigestJobRepository.
func NewDigestJobRepository(db *sqlx.DB) *DigestJobRepository {
	return &DigestJobRepository{db: db}
}

// Find retrieves the registry row for a user.
func (r *DigestJobRepository) Find(ctx context.Context, userID int64) (*domain.DigestJob, error) {
	var job domain.DigestJob
	err := r.db.GetContext(ctx, &job,
		`SELECT user_id, cron_expr, handle, failures, updated_at
		 FROM digest_jobs WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find digest job for user %d: %w", userID, err)
	}
	return &job, nil
}

// Upsert creates or replaces the registry row for a user. Replacing resets
// the failure counter for the new schedule.
func (r *DigestJobRepository) Upsert(ctx context.Context, job domain.DigestJob) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO digest_jobs (user_id, cron_expr, handle)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id)
		 DO UPDATE SET cron_expr = EXCLUDED.cron_expr,
		               handle = EXCLUDED.handle,
		               failures = 0,
		               updated_at = NOW()`,
		job.UserID, job.CronExpr, job.Handle)
	if err != nil {
		return fmt.Errorf("upsert digest job for user %d: %w", job.UserID, err)
	}
	return nil
}

// Delete removes the registry row. Deleting a missing row is a no-op.
func (r *DigestJobRepository) Delete(ctx context.Context, userID int64) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM digest_jobs WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete digest job for user %d: %w", userID, err)
	}
	return nil
}

// List returns all registry rows, used by the startup reconcile.
func (r *DigestJobRepository) List(ctx context.Context) ([]domain.DigestJob, error) {
	var jobs []domain.DigestJob
	err := r.db.SelectContext(ctx, &jobs,
		`SELECT user_id, cron_expr, handle, failures, updated_at FROM digest_jobs ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list digest jobs: %w", err)
	}
	return jobs, nil
}

// IncrementFailures bumps the failure counter after a failed digest send and
// returns the new count so the worker can cap retries.
func (r *DigestJobRepository) IncrementFailures(ctx context.Context, userID int64) (int, error) {
	var failures int
	err := r.db.QueryRowxContext(ctx,
		`UPDATE digest_jobs SET failures = failures + 1, updated_at = NOW()
		 WHERE user_id = $1 RETURNING failures`, userID).Scan(&failures)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("increment digest failures for user %d: %w", userID, err)
	}
	return failures, nil
}

// ResetFailures clears the failure counter after a successful send.
func (r *DigestJobRepository) ResetFailures(ctx context.Context, userID int64) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE digest_jobs SET failures = 0, updated_at = NOW() WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("reset digest failures for user %d: %w", userID, err)
	}
	return nil
}

package domain

import (
	"fmt"
	"time"
)

// DigestJob is the per-user registry row for a scheduled recurring digest.
// At most one active job exists per user; Handle is the scheduler-assigned
// identifier used for cancellation.
type DigestJob struct {
	UserID    int64     `db:"user_id"`
	CronExpr  string    `db:"cron_expr"`
	Handle    string    `db:"handle"`
	Failures  int       `db:"failures"`
	UpdatedAt time.Time `db:"updated_at"`
}

// DeriveCronExpr computes the cron expression for a user's digest from their
// cadence, preferred local delivery time ("HH:MM") and timezone. Invalid
// timezones are rejected, never coerced into a different zone. Weekly digests
// fire on Monday.
func DeriveCronExpr(cadence DigestCadence, clock, tz string) (string, error) {
	if cadence == DigestDisabled {
		return "", fmt.Errorf("%w: digest cadence is disabled", ErrInvalidInput)
	}
	if err := ValidateTimezone(tz); err != nil {
		return "", err
	}
	mins, err := ParseClock(clock)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	h, m := mins/60, mins%60
	switch cadence {
	case DigestDaily:
		return fmt.Sprintf("CRON_TZ=%s %d %d * * *", tz, m, h), nil
	case DigestWeekly:
		return fmt.Sprintf("CRON_TZ=%s %d %d * * 1", tz, m, h), nil
	default:
		return "", fmt.Errorf("%w: unknown digest cadence %q", ErrInvalidInput, cadence)
	}
}

// Digest is the rendered-payload input handed to the external mailer. The
// core guarantees complete, well-typed data; template rendering and delivery
// transport live outside this service.
type Digest struct {
	UserID         int64          `json:"user_id"`
	Items          []Notification `json:"items"`
	GeneratedAt    time.Time      `json:"generated_at"`
	UnsubscribeURL string         `json:"unsubscribe_url"`
}

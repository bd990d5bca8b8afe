package domain

import "time"

// Notification represents an in-app notification for a user. Rows with
// DigestPending set form the user's pending batch for the next digest cycle.
type Notification struct {
	ID            int64     `json:"id" db:"id"`
	UserID        int64     `json:"user_id" db:"user_id"`
	Type          EventType `json:"type" db:"event_type"`
	Severity      Severity  `json:"severity" db:"severity"`
	Title         string    `json:"title" db:"title"`
	Message       string    `json:"message" db:"message"`
	Read          bool      `json:"read" db:"read"`
	DigestPending bool      `json:"-" db:"digest_pending"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

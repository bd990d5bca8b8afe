package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Channel is a delivery channel for notifications. The set is closed on
// purpose: adding a channel is a compile-time change, not a lookup-table row.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
)

// EventType classifies a domain event emitted by an upstream subsystem.
type EventType string

const (
	EventTaskAssigned  EventType = "task_assigned"
	EventTaskCompleted EventType = "task_completed"
	EventPhaseChanged  EventType = "phase_changed"
	EventMention       EventType = "mention"
	EventAgentHealth   EventType = "agent_health"
)

// DigestCadence controls how often batched notifications are delivered.
type DigestCadence string

const (
	DigestDisabled DigestCadence = "disabled"
	DigestDaily    DigestCadence = "daily"
	DigestWeekly   DigestCadence = "weekly"
)

// ChannelSetting enables or disables each channel for one event type.
type ChannelSetting struct {
	InApp bool `json:"in_app"`
	Email bool `json:"email"`
}

// ChannelRules maps event types to per-channel settings. Stored as JSONB.
type ChannelRules map[EventType]ChannelSetting

// Value implements driver.Valuer for the JSONB column.
func (r ChannelRules) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements sql.Scanner for the JSONB column.
func (r *ChannelRules) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("scan channel rules: unsupported type %T", src)
	}
}

// NotificationPreference holds one user's notification settings. Quiet hours
// are local times of day in the user's timezone; start and end must be both
// set or both null.
type NotificationPreference struct {
	UserID        int64         `json:"user_id" db:"user_id"`
	ChannelRules  ChannelRules  `json:"channel_rules" db:"channel_rules"`
	QuietStart    *string       `json:"quiet_hours_start,omitempty" db:"quiet_start"`
	QuietEnd      *string       `json:"quiet_hours_end,omitempty" db:"quiet_end"`
	Timezone      string        `json:"timezone" db:"timezone"`
	DigestCadence DigestCadence `json:"digest_cadence" db:"digest_cadence"`
	DigestTime    string        `json:"digest_time" db:"digest_time"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// DefaultPreference returns the lazily-created defaults for a user: all
// event types delivered in-app only, no quiet hours, digest disabled.
func DefaultPreference(userID int64) NotificationPreference {
	rules := ChannelRules{}
	for _, et := range []EventType{
		EventTaskAssigned, EventTaskCompleted, EventPhaseChanged,
		EventMention, EventAgentHealth,
	} {
		rules[et] = ChannelSetting{InApp: true, Email: false}
	}
	now := time.Now()
	return NotificationPreference{
		UserID:        userID,
		ChannelRules:  rules,
		Timezone:      "UTC",
		DigestCadence: DigestDisabled,
		DigestTime:    "09:00",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ParseClock parses an "HH:MM" local time of day into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ValidateTimezone checks that tz is a recognized IANA identifier. "UTC" and
// multi-segment zones like "America/Argentina/Buenos_Aires" are all valid;
// anything time.LoadLocation rejects is rejected here.
func ValidateTimezone(tz string) error {
	if tz == "" {
		return ErrInvalidTimezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, tz)
	}
	return nil
}

// InWindow reports whether localM (minutes since midnight) falls inside the
// [fromM, toM) window. Supports windows that wrap past midnight, e.g.
// 22:00-07:00 where fromM > toM.
func InWindow(localM, fromM, toM int) bool {
	if fromM == toM {
		return false
	}
	if fromM < toM {
		return localM >= fromM && localM < toM
	}
	return localM >= fromM || localM < toM
}

// Validate checks the whole preference for consistency. It never mutates;
// callers persist only after a clean pass.
func (p NotificationPreference) Validate() error {
	if err := ValidateTimezone(p.Timezone); err != nil {
		return err
	}
	if (p.QuietStart == nil) != (p.QuietEnd == nil) {
		return fmt.Errorf("%w: start and end must both be set or both be null", ErrInvalidQuietHours)
	}
	if p.QuietStart != nil {
		if _, err := ParseClock(*p.QuietStart); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidQuietHours, err)
		}
		if _, err := ParseClock(*p.QuietEnd); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidQuietHours, err)
		}
	}
	switch p.DigestCadence {
	case DigestDisabled, DigestDaily, DigestWeekly:
	default:
		return fmt.Errorf("%w: unknown digest cadence %q", ErrInvalidInput, p.DigestCadence)
	}
	if p.DigestCadence != DigestDisabled {
		if _, err := ParseClock(p.DigestTime); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return nil
}

// Allows reports whether the given channel is enabled for the event type.
// Event types without an explicit rule default to in-app delivery.
func (p NotificationPreference) Allows(et EventType, ch Channel) bool {
	setting, ok := p.ChannelRules[et]
	if !ok {
		return ch == ChannelInApp
	}
	switch ch {
	case ChannelInApp:
		return setting.InApp
	case ChannelEmail:
		return setting.Email
	default:
		return false
	}
}

// InQuietHours reports whether now falls inside the user's quiet-hours
// window, evaluated in the user's stored timezone.
func (p NotificationPreference) InQuietHours(now time.Time) bool {
	if p.QuietStart == nil || p.QuietEnd == nil {
		return false
	}
	fromM, err := ParseClock(*p.QuietStart)
	if err != nil {
		return false
	}
	toM, err := ParseClock(*p.QuietEnd)
	if err != nil {
		return false
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return InWindow(local.Hour()*60+local.Minute(), fromM, toM)
}

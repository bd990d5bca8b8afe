package domain

import "time"

// PresenceEntry tracks one user's liveness inside one scope (e.g. a project).
// Entries are keyed by (UserID, ScopeID); one user may hold many concurrent
// connections to the same scope. Removing presence in one scope never touches
// the same user's entries in other scopes.
type PresenceEntry struct {
	UserID      int64                `json:"user_id"`
	ScopeID     int64                `json:"scope_id"`
	Connections map[string]time.Time `json:"connections"`
	Location    string               `json:"location,omitempty"`
	LastSeen    time.Time            `json:"last_seen"`
	// AppliedAt is the timestamp of the last applied state transition; older
	// updates arriving out of order are ignored.
	AppliedAt time.Time `json:"applied_at"`
}

// Online reports whether the entry has at least one live connection.
func (e PresenceEntry) Online() bool {
	return len(e.Connections) > 0
}

// DeltaKind is the type of a presence state change.
type DeltaKind string

const (
	DeltaJoined DeltaKind = "joined"
	DeltaLeft   DeltaKind = "left"
)

// PresenceDelta is broadcast to other participants of a scope when a user's
// presence there changes.
type PresenceDelta struct {
	Kind    DeltaKind `json:"kind"`
	UserID  int64     `json:"user_id"`
	ScopeID int64     `json:"scope_id"`
	At      time.Time `json:"at"`
}

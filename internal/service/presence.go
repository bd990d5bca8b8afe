package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sumire/pulse/internal/domain"
)

// PresenceKV is the TTL key-value store backing presence, scoped strictly to
// (userID, scopeID).
type PresenceKV interface {
	Get(ctx context.Context, scopeID, userID int64) (*domain.PresenceEntry, error)
	Put(ctx context.Context, pe domain.PresenceEntry) error
	Delete(ctx context.Context, scopeID, userID int64) error
	Scope(ctx context.Context, scopeID int64) ([]domain.PresenceEntry, error)
}

// DeltaBroadcaster fans presence deltas out to the other participants of a
// scope.
type DeltaBroadcaster interface {
	PublishDelta(ctx context.Context, delta domain.PresenceDelta) error
}

type presenceKey struct {
	scopeID int64
	userID  int64
}

// PresenceGateway accepts connection lifecycle events from the real-time
// transport, debounces reconnect storms, writes to the presence store, and
// broadcasts presence deltas.
//
// Two mechanisms keep flaky transports from corrupting state: updates whose
// timestamp is not newer than the last applied transition (minus a small
// tolerance for clock skew) are ignored, and a "left" broadcast is deferred
// by a debounce window so a rapid disconnect/reconnect pair coalesces into no
// visible change.
type PresenceGateway struct {
	store     PresenceKV
	broadcast DeltaBroadcaster
	debounce  time.Duration
	tolerance time.Duration
	now       func() time.Time

	mu            sync.Mutex
	applied       map[presenceKey]time.Time
	pendingLeaves map[presenceKey]*time.Timer
}

// NewPresenceGateway creates a new PresenceGateway.
func NewPresenceGateway(store PresenceKV, broadcast DeltaBroadcaster, debounce time.Duration) *PresenceGateway {
	return &PresenceGateway{
		store:         store,
		broadcast:     broadcast,
		debounce:      debounce,
		tolerance:     500 * time.Millisecond,
		now:           time.Now,
		applied:       make(map[presenceKey]time.Time),
		pendingLeaves: make(map[presenceKey]*time.Timer),
	}
}

// Join registers a connection for (userID, scopeID) and refreshes the
// entry's TTL. A presence delta is broadcast only when the user actually
// transitions to present in that scope.
func (g *PresenceGateway) Join(ctx context.Context, userID, scopeID int64, connID string, at time.Time) error {
	return g.upsert(ctx, userID, scopeID, connID, "", false, at)
}

// Heartbeat refreshes a connection's liveness and updates the user's current
// location within the scope.
func (g *PresenceGateway) Heartbeat(ctx context.Context, userID, scopeID int64, connID, location string, at time.Time) error {
	return g.upsert(ctx, userID, scopeID, connID, location, true, at)
}

func (g *PresenceGateway) upsert(ctx context.Context, userID, scopeID int64, connID, location string, setLocation bool, at time.Time) error {
	if at.IsZero() {
		at = g.now()
	}
	key := presenceKey{scopeID: scopeID, userID: userID}

	g.mu.Lock()
	if last, ok := g.applied[key]; ok && !at.After(last.Add(-g.tolerance)) {
		g.mu.Unlock()
		slog.Debug("stale presence update ignored",
			"user_id", userID, "scope_id", scopeID, "at", at, "last_applied", last)
		return nil
	}
	g.applied[key] = at
	coalesced := g.cancelPendingLeaveLocked(key)
	g.mu.Unlock()

	entry, err := g.store.Get(ctx, scopeID, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		entry = &domain.PresenceEntry{
			UserID:      userID,
			ScopeID:     scopeID,
			Connections: make(map[string]time.Time),
		}
	case err != nil:
		// Fail soft: never raise store trouble into the transport's hot path.
		slog.Warn("presence store unreachable, update dropped",
			"user_id", userID, "scope_id", scopeID, "error", err)
		return nil
	}

	wasOnline := entry.Online()
	if entry.Connections == nil {
		entry.Connections = make(map[string]time.Time)
	}
	entry.Connections[connID] = at
	entry.LastSeen = at
	entry.AppliedAt = at
	if setLocation {
		entry.Location = location
	}

	if err := g.store.Put(ctx, *entry); err != nil {
		slog.Warn("presence store unreachable, update dropped",
			"user_id", userID, "scope_id", scopeID, "error", err)
		return nil
	}

	if !wasOnline && !coalesced {
		g.publish(ctx, domain.PresenceDelta{
			Kind: domain.DeltaJoined, UserID: userID, ScopeID: scopeID, At: at,
		})
	}
	return nil
}

// Leave removes one connection's membership. The scope entry survives until
// its connection set empties, and even then the "left" broadcast waits out
// the debounce window in case the same user reconnects immediately.
func (g *PresenceGateway) Leave(ctx context.Context, userID, scopeID int64, connID string, at time.Time) error {
	if at.IsZero() {
		at = g.now()
	}
	key := presenceKey{scopeID: scopeID, userID: userID}

	g.mu.Lock()
	if last, ok := g.applied[key]; ok && !at.After(last.Add(-g.tolerance)) {
		g.mu.Unlock()
		slog.Debug("stale presence leave ignored",
			"user_id", userID, "scope_id", scopeID, "at", at, "last_applied", last)
		return nil
	}
	g.applied[key] = at
	g.mu.Unlock()

	entry, err := g.store.Get(ctx, scopeID, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("presence store unreachable, leave dropped",
				"user_id", userID, "scope_id", scopeID, "error", err)
		}
		return nil
	}

	delete(entry.Connections, connID)
	entry.LastSeen = at
	entry.AppliedAt = at

	if err := g.store.Put(ctx, *entry); err != nil {
		slog.Warn("presence store unreachable, leave dropped",
			"user_id", userID, "scope_id", scopeID, "error", err)
		return nil
	}
	if entry.Online() {
		return nil
	}

	g.mu.Lock()
	// Cancel any existing pending leave before scheduling a new one.
	g.cancelPendingLeaveLocked(key)
	g.pendingLeaves[key] = time.AfterFunc(g.debounce, func() {
		g.finalizeLeave(key)
	})
	g.mu.Unlock()
	return nil
}

// finalizeLeave runs after the debounce window: if no reconnect claimed the
// entry in the meantime, the entry is evicted and the "left" delta emitted.
func (g *PresenceGateway) finalizeLeave(key presenceKey) {
	g.mu.Lock()
	if _, ok := g.pendingLeaves[key]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.pendingLeaves, key)
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry, err := g.store.Get(ctx, key.scopeID, key.userID)
	if err == nil && entry.Online() {
		return // reconnected while the timer was pending
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("presence store unreachable during leave finalization",
			"user_id", key.userID, "scope_id", key.scopeID, "error", err)
		return
	}

	if err := g.store.Delete(ctx, key.scopeID, key.userID); err != nil {
		slog.Warn("presence eviction failed",
			"user_id", key.userID, "scope_id", key.scopeID, "error", err)
		return
	}
	g.publish(ctx, domain.PresenceDelta{
		Kind: domain.DeltaLeft, UserID: key.userID, ScopeID: key.scopeID, At: g.now(),
	})
}

// Snapshot returns the current presence entries for one scope.
func (g *PresenceGateway) Snapshot(ctx context.Context, scopeID int64) ([]domain.PresenceEntry, error) {
	return g.store.Scope(ctx, scopeID)
}

// cancelPendingLeaveLocked stops a pending leave timer for the key, if one
// exists. Caller must hold g.mu. Returns true when a timer was cancelled,
// meaning the transition was coalesced with the preceding disconnect.
func (g *PresenceGateway) cancelPendingLeaveLocked(key presenceKey) bool {
	timer, ok := g.pendingLeaves[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(g.pendingLeaves, key)
	return true
}

func (g *PresenceGateway) publish(ctx context.Context, delta domain.PresenceDelta) {
	if err := g.broadcast.PublishDelta(ctx, delta); err != nil {
		slog.Warn("presence delta broadcast failed",
			"user_id", delta.UserID, "scope_id", delta.ScopeID, "kind", delta.Kind, "error", err)
	}
}

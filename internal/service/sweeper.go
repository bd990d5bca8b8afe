package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sumire/pulse/internal/domain"
)

// SweeperStore is the presence-store slice the cleanup sweeper needs.
type SweeperStore interface {
	Walk(ctx context.Context, fn func(domain.PresenceEntry) error) error
	Delete(ctx context.Context, scopeID, userID int64) error
}

// Sweeper periodically scans presence entries and evicts any whose TTL
// refresh failed to fire, e.g. after an abrupt disconnect while the store's
// own expiry was unavailable.
type Sweeper struct {
	store     SweeperStore
	broadcast DeltaBroadcaster
	interval  time.Duration
	ttl       time.Duration
	now       func() time.Time
}

// NewSweeper creates a new Sweeper.
func NewSweeper(store SweeperStore, broadcast DeltaBroadcaster, interval, ttl time.Duration) *Sweeper {
	return &Sweeper{store: store, broadcast: broadcast, interval: interval, ttl: ttl, now: time.Now}
}

// Run sweeps on a fixed period until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("presence sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one incremental pass. Entries whose last-seen timestamp is
// older than the TTL are stale: they are evicted and a "left" delta emitted.
// Live entries are untouched.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	var scanned, evicted int

	err := s.store.Walk(ctx, func(pe domain.PresenceEntry) error {
		scanned++
		if now.Sub(pe.LastSeen) <= s.ttl {
			return nil
		}
		if err := s.store.Delete(ctx, pe.ScopeID, pe.UserID); err != nil {
			slog.Warn("sweeper eviction failed",
				"user_id", pe.UserID, "scope_id", pe.ScopeID, "error", err)
			return nil
		}
		evicted++
		delta := domain.PresenceDelta{
			Kind: domain.DeltaLeft, UserID: pe.UserID, ScopeID: pe.ScopeID, At: now,
		}
		if err := s.broadcast.PublishDelta(ctx, delta); err != nil {
			slog.Warn("sweeper delta broadcast failed",
				"user_id", pe.UserID, "scope_id", pe.ScopeID, "error", err)
		}
		return nil
	})
	if err != nil {
		slog.Warn("presence sweep aborted", "error", err)
		return
	}
	if evicted > 0 {
		slog.Info("presence sweep complete", "scanned", scanned, "evicted", evicted)
	}
}

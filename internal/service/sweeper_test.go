package service

import (
	"context"
	"testing"
	"time"

	"github.com/sumire/pulse/internal/domain"
)

func TestSweeper_EvictsOnlyStaleEntries(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	kv := newFakePresenceKV()
	ctx := context.Background()

	stale := domain.PresenceEntry{
		UserID: 1, ScopeID: 100,
		Connections: map[string]time.Time{"c1": now.Add(-2 * time.Minute)},
		LastSeen:    now.Add(-2 * time.Minute),
	}
	live := domain.PresenceEntry{
		UserID: 2, ScopeID: 100,
		Connections: map[string]time.Time{"c2": now.Add(-10 * time.Second)},
		LastSeen:    now.Add(-10 * time.Second),
	}
	if err := kv.Put(ctx, stale); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := kv.Put(ctx, live); err != nil {
		t.Fatalf("put: %v", err)
	}

	bc := &recordBroadcaster{}
	s := NewSweeper(kv, bc, time.Minute, 45*time.Second)
	s.now = func() time.Time { return now }

	s.Sweep(ctx)

	if kv.has(100, 1) {
		t.Fatal("stale entry should be evicted")
	}
	if !kv.has(100, 2) {
		t.Fatal("live entry should survive")
	}
	deltas := bc.all()
	if len(deltas) != 1 {
		t.Fatalf("want 1 left delta, got %d", len(deltas))
	}
	if deltas[0].Kind != domain.DeltaLeft || deltas[0].UserID != 1 {
		t.Fatalf("unexpected delta %+v", deltas[0])
	}
}

func TestSweeper_EmptyStoreIsQuiet(t *testing.T) {
	t.Parallel()

	kv := newFakePresenceKV()
	bc := &recordBroadcaster{}
	s := NewSweeper(kv, bc, time.Minute, 45*time.Second)

	s.Sweep(context.Background())

	if got := len(bc.all()); got != 0 {
		t.Fatalf("want no deltas, got %d", got)
	}
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sumire/pulse/internal/domain"
)

type fakePresenceKV struct {
	mu      sync.Mutex
	entries map[presenceKey]domain.PresenceEntry
}

func newFakePresenceKV() *fakePresenceKV {
	return &fakePresenceKV{entries: make(map[presenceKey]domain.PresenceEntry)}
}

func (f *fakePresenceKV) Get(_ context.Context, scopeID, userID int64) (*domain.PresenceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pe, ok := f.entries[presenceKey{scopeID: scopeID, userID: userID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := pe
	cp.Connections = make(map[string]time.Time, len(pe.Connections))
	for k, v := range pe.Connections {
		cp.Connections[k] = v
	}
	return &cp, nil
}

func (f *fakePresenceKV) Put(_ context.Context, pe domain.PresenceEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[presenceKey{scopeID: pe.ScopeID, userID: pe.UserID}] = pe
	return nil
}

func (f *fakePresenceKV) Delete(_ context.Context, scopeID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, presenceKey{scopeID: scopeID, userID: userID})
	return nil
}

func (f *fakePresenceKV) Scope(_ context.Context, scopeID int64) ([]domain.PresenceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.PresenceEntry
	for k, pe := range f.entries {
		if k.scopeID == scopeID {
			out = append(out, pe)
		}
	}
	return out, nil
}

func (f *fakePresenceKV) Walk(_ context.Context, fn func(domain.PresenceEntry) error) error {
	f.mu.Lock()
	snapshot := make([]domain.PresenceEntry, 0, len(f.entries))
	for _, pe := range f.entries {
		snapshot = append(snapshot, pe)
	}
	f.mu.Unlock()
	for _, pe := range snapshot {
		if err := fn(pe); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakePresenceKV) has(scopeID, userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[presenceKey{scopeID: scopeID, userID: userID}]
	return ok
}

type recordBroadcaster struct {
	mu     sync.Mutex
	deltas []domain.PresenceDelta
}

func (b *recordBroadcaster) PublishDelta(_ context.Context, d domain.PresenceDelta) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deltas = append(b.deltas, d)
	return nil
}

func (b *recordBroadcaster) all() []domain.PresenceDelta {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.PresenceDelta, len(b.deltas))
	copy(out, b.deltas)
	return out
}

func TestGateway_JoinBroadcastsOnce(t *testing.T) {
	t.Parallel()

	kv := newFakePresenceKV()
	bc := &recordBroadcaster{}
	g := NewPresenceGateway(kv, bc, 10*time.Millisecond)

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if err := g.Join(ctx, 1, 100, "conn-a", base); err != nil {
		t.Fatalf("join: %v", err)
	}
	// Second connection from the same user: already online, no new delta.
	if err := g.Join(ctx, 1, 100, "conn-b", base.Add(2*time.Second)); err != nil {
		t.Fatalf("second join: %v", err)
	}

	deltas := bc.all()
	if len(deltas) != 1 {
		t.Fatalf("want 1 delta, got %d", len(deltas))
	}
	if deltas[0].Kind != domain.DeltaJoined || deltas[0].UserID != 1 || deltas[0].ScopeID != 100 {
		t.Fatalf("unexpected delta %+v", deltas[0])
	}
}

func TestGateway_ScopesAreIsolated(t *testing.T) {
	t.Parallel()

	kv := newFakePresenceKV()
	bc := &recordBroadcaster{}
	g := NewPresenceGateway(kv, bc, 10*time.Millisecond)

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if err := g.Join(ctx, 1, 100, "c1", base); err != nil {
		t.Fatalf("join scope 100: %v", err)
	}
	if err := g.Join(ctx, 1, 200, "c2", base); err != nil {
		t.Fatalf("join scope 200: %v", err)
	}

	s1, err := g.Snapshot(ctx, 100)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	s2, err := g.Snapshot(ctx, 200)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(s1) != 1 || len(s2) != 1 {
		t.Fatalf("want one entry per scope, got %d and %d", len(s1), len(s2))
	}
	if s1[0].ScopeID != 100 || s2[0].ScopeID != 200 {
		t.Fatalf("scope leak: %+v / %+v", s1[0], s2[0])
	}
}

func TestGateway_RapidLeaveJoinCoalesces(t *testing.T) {
	t.Parallel()

	kv := newFakePresenceKV()
	bc := &recordBroadcaster{}
	g := NewPresenceGateway(kv, bc, 50*time.Millisecond)

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if err := g.Join(ctx, 1, 100, "c1", base); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := g.Leave(ctx, 1, 100, "c1", base.Add(5*time.Second)); err != nil {
		t.Fatalf("leave: %v", err)
	}
	// Reconnect inside the debounce window.
	if err := g.Join(ctx, 1, 100, "c2", base.Add(6*time.Second)); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	deltas := bc.all()
	if len(deltas) != 1 || deltas[0].Kind != domain.DeltaJoined {
		t.Fatalf("want only the initial joined delta, got %+v", deltas)
	}
	if !kv.has(100, 1) {
		t.Fatal("entry should survive the coalesced disconnect")
	}
}

func TestGateway_LeaveAfterDebounceBroadcastsLeft(t *testing.T) {
	t.Parallel()

	kv := newFakePresenceKV()
	bc := &recordBroadcaster{}
	g := NewPresenceGateway(kv, bc, 20*time.Millisecond)

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if err := g.Join(ctx, 1, 100, "c1", base); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := g.Leave(ctx, 1, 100, "c1", base.Add(time.Minute)); err != nil {
		t.Fatalf("leave: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	deltas := bc.all()
	if len(deltas) != 2 {
		t.Fatalf("want joined+left, got %+v", deltas)
	}
	if deltas[1].Kind != domain.DeltaLeft {
		t.Fatalf("want left delta, got %+v", deltas[1])
	}
	if kv.has(100, 1) {
		t.Fatal("entry should be evicted after the debounce fires")
	}
}

func TestGateway_MultiConnectionLeaveKeepsOnline(t *testing.T) {
	t.Parallel()

	kv := newFakePresenceKV()
	bc := &recordBroadcaster{}
	g := NewPresenceGateway(kv, bc, 20*time.Millisecond)

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if err := g.Join(ctx, 1, 100, "laptop", base); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := g.Join(ctx, 1, 100, "phone", base.Add(2*time.Second)); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := g.Leave(ctx, 1, 100, "laptop", base.Add(time.Minute)); err != nil {
		t.Fatalf("leave: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	deltas := bc.all()
	if len(deltas) != 1 || deltas[0].Kind != domain.DeltaJoined {
		t.Fatalf("phone still connected, want no left delta: %+v", deltas)
	}
	entry, err := kv.Get(ctx, 100, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !entry.Online() || len(entry.Connections) != 1 {
		t.Fatalf("want one live connection, got %+v", entry.Connections)
	}
}

func TestGateway_StaleUpdateIgnored(t *testing.T) {
	t.Parallel()

	kv := newFakePresenceKV()
	bc := &recordBroadcaster{}
	g := NewPresenceGateway(kv, bc, 20*time.Millisecond)

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if err := g.Join(ctx, 1, 100, "c1", base); err != nil {
		t.Fatalf("join: %v", err)
	}
	// A leave carrying an older timestamp than the applied join must not win.
	if err := g.Leave(ctx, 1, 100, "c1", base.Add(-10*time.Second)); err != nil {
		t.Fatalf("stale leave: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	if !kv.has(100, 1) {
		t.Fatal("stale leave must not evict the entry")
	}
	entry, err := kv.Get(ctx, 100, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !entry.Online() {
		t.Fatal("user should still be online")
	}
}

func TestGateway_HeartbeatUpdatesLocation(t *testing.T) {
	t.Parallel()

	kv := newFakePresenceKV()
	bc := &recordBroadcaster{}
	g := NewPresenceGateway(kv, bc, 20*time.Millisecond)

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if err := g.Join(ctx, 1, 100, "c1", base); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := g.Heartbeat(ctx, 1, 100, "c1", "issue:42", base.Add(10*time.Second)); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	entry, err := kv.Get(ctx, 100, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Location != "issue:42" {
		t.Fatalf("want location issue:42, got %q", entry.Location)
	}
	if !entry.LastSeen.Equal(base.Add(10 * time.Second)) {
		t.Fatalf("want refreshed last seen, got %v", entry.LastSeen)
	}
	if got := len(bc.all()); got != 1 {
		t.Fatalf("heartbeat must not broadcast, got %d deltas", got)
	}
}

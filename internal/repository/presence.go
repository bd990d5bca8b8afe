package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sumire/pulse/internal/domain"
)

const presenceBucket = "PRESENCE"

// PresenceStore keeps ephemeral presence entries in a NATS JetStream KV
// bucket with a TTL, and publishes presence deltas over core NATS. Entries
// expire automatically when no mutation refreshes them within the TTL.
type PresenceStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewPresenceStore creates (or binds to) the presence KV bucket.
func NewPresenceStore(nc *nats.Conn, ttl time.Duration) (*PresenceStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  presenceBucket,
		History: 1,
		TTL:     ttl,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create presence bucket: %w", err)
	}
	return &PresenceStore{nc: nc, kv: kv}, nil
}

func presenceKey(scopeID, userID int64) string {
	return fmt.Sprintf("%d.%d", scopeID, userID)
}

// Get retrieves one presence entry. Returns domain.ErrNotFound when the key
// is absent or expired, domain.ErrPresenceUnavailable when the store cannot
// be reached.
func (s *PresenceStore) Get(ctx context.Context, scopeID, userID int64) (*domain.PresenceEntry, error) {
	entry, err := s.kv.Get(presenceKey(scopeID, userID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %d.%d: %v", domain.ErrPresenceUnavailable, scopeID, userID, err)
	}
	var pe domain.PresenceEntry
	if err := json.Unmarshal(entry.Value(), &pe); err != nil {
		return nil, fmt.Errorf("decode presence entry %s: %w", entry.Key(), err)
	}
	return &pe, nil
}

// Put writes one presence entry. Every put refreshes the entry's TTL.
func (s *PresenceStore) Put(ctx context.Context, pe domain.PresenceEntry) error {
	data, err := json.Marshal(pe)
	if err != nil {
		return fmt.Errorf("encode presence entry: %w", err)
	}
	if _, err := s.kv.Put(presenceKey(pe.ScopeID, pe.UserID), data); err != nil {
		return fmt.Errorf("%w: put %d.%d: %v", domain.ErrPresenceUnavailable, pe.ScopeID, pe.UserID, err)
	}
	return nil
}

// Delete removes one presence entry. Deleting a missing entry is a no-op.
func (s *PresenceStore) Delete(ctx context.Context, scopeID, userID int64) error {
	err := s.kv.Delete(presenceKey(scopeID, userID))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("%w: delete %d.%d: %v", domain.ErrPresenceUnavailable, scopeID, userID, err)
	}
	return nil
}

// Scope returns all live entries for one scope.
func (s *PresenceStore) Scope(ctx context.Context, scopeID int64) ([]domain.PresenceEntry, error) {
	var entries []domain.PresenceEntry
	err := s.Walk(ctx, func(pe domain.PresenceEntry) error {
		if pe.ScopeID == scopeID {
			entries = append(entries, pe)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Walk iterates all presence entries through the KV key lister, fetching one
// entry at a time so a large bucket is never enumerated in one blocking call.
// Entries that expire mid-walk are skipped.
func (s *PresenceStore) Walk(ctx context.Context, fn func(domain.PresenceEntry) error) error {
	lister, err := s.kv.ListKeys()
	if err != nil {
		return fmt.Errorf("%w: list keys: %v", domain.ErrPresenceUnavailable, err)
	}
	defer lister.Stop()

	for key := range lister.Keys() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		entry, err := s.kv.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return fmt.Errorf("%w: get %s: %v", domain.ErrPresenceUnavailable, key, err)
		}
		var pe domain.PresenceEntry
		if err := json.Unmarshal(entry.Value(), &pe); err != nil {
			continue
		}
		if err := fn(pe); err != nil {
			return err
		}
	}
	return nil
}

// PublishDelta broadcasts a presence delta to the scope's subject for the
// real-time transport to fan out.
func (s *PresenceStore) PublishDelta(ctx context.Context, delta domain.PresenceDelta) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("encode presence delta: %w", err)
	}
	subject := fmt.Sprintf("presence.delta.%d", delta.ScopeID)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish presence delta: %w", err)
	}
	return nil
}

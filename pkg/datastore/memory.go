package datastore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	creds  map[string]memoryCredential
	events []model.Event
}

type memoryCredential struct {
	hash      []byte
	salt      []byte
	createdAt time.Time
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:   now,
		creds: make(map[string]memoryCredential),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// LookupCredential returns copies of the stored hash and salt for id.
func (s *MemoryStore) LookupCredential(_ context.Context, id string) ([]byte, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, nil, model.ErrCredentialNotFound
	}
	return slices.Clone(c.hash), slices.Clone(c.salt), nil
}

// InsertCredential stores a new credential.
func (s *MemoryStore) InsertCredential(_ context.Context, id string, hash, salt []byte) error {
	if err := model.ValidateUserID(id); err != nil {
		return fmt.Errorf("datastore: insert credential: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[id]; ok {
		return model.ErrCredentialExists
	}
	s.creds[id] = memoryCredential{
		hash:      slices.Clone(hash),
		salt:      slices.Clone(salt),
		createdAt: s.now(),
	}
	return nil
}

// CountCredentials returns the number of registered ids.
func (s *MemoryStore) CountCredentials(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds), nil
}

// RecordEvent appends a connection event.
func (s *MemoryStore) RecordEvent(_ context.Context, ev model.Event) error {
	if ev.Kind == "" {
		return fmt.Errorf("datastore: record event: empty kind")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	ev.Time = ev.Time.UTC()
	ev.Members = slices.Clone(ev.Members)
	s.events = append(s.events, ev)
	return nil
}

// ListEvents returns recorded events in insertion order.
func (s *MemoryStore) ListEvents(_ context.Context, filters EventFilters) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Event
	for _, ev := range s.events {
		if filters.UserID != "" && ev.UserID != filters.UserID {
			continue
		}
		if filters.Kind != "" && ev.Kind != filters.Kind {
			continue
		}
		if !filters.Since.IsZero() && ev.Time.Before(filters.Since) {
			continue
		}
		ev.Members = slices.Clone(ev.Members)
		out = append(out, ev)
		if filters.Limit > 0 && len(out) == filters.Limit {
			break
		}
	}
	return out, nil
}

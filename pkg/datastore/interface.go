// Package datastore persists credentials and connection events.
//
// The default backend is SQLite (pure Go, no cgo); an in-memory store with
// the same behavior is provided for tests.
package datastore

import (
	"context"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

// DataStore is the persistence interface the server depends on.
type DataStore interface {
	CredentialReadProvider
	CredentialWriteProvider

	EventReadProvider
	EventWriteProvider

	Close() error
}

// Compile-time checks.
var (
	_ DataStore = (*SQLStore)(nil)
	_ DataStore = (*MemoryStore)(nil)
)

type CredentialReadProvider interface {
	// LookupCredential returns model.ErrCredentialNotFound for an unknown id.
	LookupCredential(ctx context.Context, id string) (hash, salt []byte, err error)
	CountCredentials(ctx context.Context) (int, error)
}

type CredentialWriteProvider interface {
	// InsertCredential returns model.ErrCredentialExists if id is taken.
	InsertCredential(ctx context.Context, id string, hash, salt []byte) error
}

type EventReadProvider interface {
	ListEvents(ctx context.Context, filters EventFilters) ([]model.Event, error)
}

type EventWriteProvider interface {
	RecordEvent(ctx context.Context, ev model.Event) error
}

// EventFilters narrows ListEvents. Zero values match everything.
type EventFilters struct {
	UserID string
	Kind   model.EventKind
	Since  time.Time
	Limit  int
}

package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05.000"

// SQLStore is the SQLite-backed DataStore.
type SQLStore struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	// Single connection: SQLite has one writer and pragmas are per connection.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version: 1,
			statements: []string{`
			CREATE TABLE IF NOT EXISTS credentials (
				id         TEXT NOT NULL PRIMARY KEY CHECK(length(id) > 0),
				hash       BLOB NOT NULL,
				salt       BLOB NOT NULL,
				created_at TEXT NOT NULL
			)`},
		},
		{
			version: 2,
			statements: []string{`
			CREATE TABLE IF NOT EXISTS connection_events (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				event       TEXT NOT NULL,
				remote_addr TEXT NOT NULL DEFAULT '',
				user_id     TEXT NOT NULL DEFAULT '',
				conn_id     TEXT NOT NULL DEFAULT '',
				created_at  TEXT NOT NULL
			)`,
				"CREATE INDEX IF NOT EXISTS idx_connection_events_user ON connection_events(user_id)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate v%d: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLStore) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Credentials ----

// LookupCredential returns the stored hash and salt for id.
func (s *SQLStore) LookupCredential(ctx context.Context, id string) ([]byte, []byte, error) {
	var hash, salt []byte
	err := s.db.QueryRowContext(ctx, "SELECT hash, salt FROM credentials WHERE id = ?", id).Scan(&hash, &salt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, model.ErrCredentialNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("datastore: lookup credential: %w", err)
	}
	return hash, salt, nil
}

// InsertCredential stores a new credential. The existence check and the
// insert are one statement, so concurrent sign-ups for the same id resolve
// to exactly one winner.
func (s *SQLStore) InsertCredential(ctx context.Context, id string, hash, salt []byte) error {
	if err := model.ValidateUserID(id); err != nil {
		return fmt.Errorf("datastore: insert credential: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO credentials (id, hash, salt, created_at) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING",
		id, hash, salt, formatDBTime(time.Now()))
	if err != nil {
		return fmt.Errorf("datastore: insert credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("datastore: insert credential: %w", err)
	}
	if n == 0 {
		return model.ErrCredentialExists
	}
	return nil
}

// CountCredentials returns the number of registered ids.
func (s *SQLStore) CountCredentials(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM credentials").Scan(&n); err != nil {
		return 0, fmt.Errorf("datastore: count credentials: %w", err)
	}
	return n, nil
}

// ---- Events ----

// RecordEvent appends a connection event.
func (s *SQLStore) RecordEvent(ctx context.Context, ev model.Event) error {
	if ev.Kind == "" {
		return fmt.Errorf("datastore: record event: empty kind")
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO connection_events (event, remote_addr, user_id, conn_id, created_at) VALUES (?, ?, ?, ?, ?)",
		string(ev.Kind), ev.RemoteAddr, ev.UserID, ev.ConnID, formatDBTime(at))
	if err != nil {
		return fmt.Errorf("datastore: record event: %w", err)
	}
	return nil
}

// ListEvents returns recorded events in insertion order.
func (s *SQLStore) ListEvents(ctx context.Context, filters EventFilters) ([]model.Event, error) {
	var (
		where []string
		args  []any
	)
	if filters.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filters.UserID)
	}
	if filters.Kind != "" {
		where = append(where, "event = ?")
		args = append(args, string(filters.Kind))
	}
	if !filters.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatDBTime(filters.Since))
	}

	query := "SELECT event, remote_addr, user_id, conn_id, created_at FROM connection_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.Event
	for rows.Next() {
		var (
			ev        model.Event
			kind      string
			createdAt string
		)
		if err := rows.Scan(&kind, &ev.RemoteAddr, &ev.UserID, &ev.ConnID, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: list events: %w", err)
		}
		ev.Kind = model.EventKind(kind)
		if ev.Time, err = parseDBTime(createdAt); err != nil {
			return nil, fmt.Errorf("datastore: list events: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("datastore: list events: %w", err)
	}
	return events, nil
}

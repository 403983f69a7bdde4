package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/roomchat/pkg/auth"
	"github.com/NicolasHaas/roomchat/pkg/datastore"
	"github.com/NicolasHaas/roomchat/pkg/protocol"
)

// Config holds server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"` // TCP bind address for the chat protocol (e.g. ":30000")
	AdminAddr  string `yaml:"admin_addr"`  // HTTP bind address for /metrics, /status, /events (empty = disabled)
	DBPath     string `yaml:"db_path"`     // SQLite database path

	MaxConnections   int           `yaml:"max_connections"`   // concurrent connections accepted (0 = unbounded)
	PresenceInterval time.Duration `yaml:"presence_interval"` // UPDATE_LIST period
	WriteTimeout     time.Duration `yaml:"write_timeout"`     // per-frame socket write deadline
	OutboxSize       int           `yaml:"outbox_size"`       // queued packets per connection
	MaxSendFailures  int           `yaml:"max_send_failures"` // consecutive full-queue sends before teardown
	MaxFrameSize     int           `yaml:"max_frame_size"`    // largest accepted inbound frame body
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`  // wait for connection handlers on shutdown

	HashIterations int `yaml:"hash_iterations"` // PBKDF2 iterations; changing it invalidates stored hashes
	SaltSize       int `yaml:"salt_size"`       // salt length for new credentials

	RecordEvents bool `yaml:"record_events"` // persist connection events to the store
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataStore

	// Sinks receive connection events in addition to the store.
	Sinks []EventSink
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":30000",
		AdminAddr:        ":30001",
		DBPath:           "roomchat.db",
		MaxConnections:   1024,
		PresenceInterval: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		OutboxSize:       64,
		MaxSendFailures:  3,
		MaxFrameSize:     protocol.MaxFrameSize,
		ShutdownTimeout:  5 * time.Second,
		HashIterations:   auth.DefaultIterations,
		SaltSize:         auth.DefaultSaltSize,
		RecordEvents:     true,
	}
}

// LoadConfigYAML reads a YAML config file on top of base. Keys missing from
// the file keep the value from base.
func LoadConfigYAML(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}
	return ParseConfigYAML(data, base)
}

// ParseConfigYAML parses YAML data on top of base and validates the result.
func ParseConfigYAML(data []byte, base Config) (Config, error) {
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}

// Validate reports settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must not be empty"))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, errors.New("max_connections must not be negative"))
	}
	if c.PresenceInterval <= 0 {
		errs = append(errs, errors.New("presence_interval must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write_timeout must be positive"))
	}
	if c.OutboxSize <= 0 {
		errs = append(errs, errors.New("outbox_size must be positive"))
	}
	if c.MaxSendFailures <= 0 {
		errs = append(errs, errors.New("max_send_failures must be positive"))
	}
	if c.MaxFrameSize <= 0 {
		errs = append(errs, errors.New("max_frame_size must be positive"))
	}
	if c.HashIterations < 0 || c.SaltSize < 0 {
		errs = append(errs, errors.New("hash_iterations and salt_size must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("server: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// hasher returns the password hasher described by the config.
func (c Config) hasher() auth.Hasher {
	return auth.Hasher{Iterations: c.HashIterations, SaltSize: c.SaltSize}
}

// EventYAML represents a connection event in YAML export.
type EventYAML struct {
	Event      string `yaml:"event"`
	RemoteAddr string `yaml:"remote_addr,omitempty"`
	UserID     string `yaml:"user_id,omitempty"`
	ConnID     string `yaml:"conn_id,omitempty"`
	Time       string `yaml:"time"`
}

// EventsExport is the top-level YAML for event export.
type EventsExport struct {
	Events []EventYAML `yaml:"events"`
}

// ExportEventsYAML exports recorded connection events as YAML.
func ExportEventsYAML(st datastore.EventReadProvider, filters datastore.EventFilters) ([]byte, error) {
	events, err := st.ListEvents(context.Background(), filters)
	if err != nil {
		return nil, err
	}

	export := EventsExport{Events: []EventYAML{}}
	for _, ev := range events {
		export.Events = append(export.Events, EventYAML{
			Event:      string(ev.Kind),
			RemoteAddr: ev.RemoteAddr,
			UserID:     ev.UserID,
			ConnID:     ev.ConnID,
			Time:       ev.Time.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}

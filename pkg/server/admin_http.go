package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/roomchat/pkg/version"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StatusReport is the /status document: what is online right now.
type StatusReport struct {
	Build    version.Build `yaml:"build"`
	Uptime   string        `yaml:"uptime"`
	Online   int           `yaml:"online"`
	Sessions []SessionInfo `yaml:"sessions"`
	Rooms    []RoomInfo    `yaml:"rooms"`
}

// Status returns a point-in-time report of sessions and rooms.
func (s *Server) Status() StatusReport {
	sessions := s.registry.Snapshot()
	return StatusReport{
		Build:    version.Info(),
		Uptime:   time.Since(s.metrics.startTime).Truncate(time.Second).String(),
		Online:   len(sessions),
		Sessions: sessions,
		Rooms:    s.rooms.Snapshot(),
	}
}

// adminHandler builds the admin HTTP routes.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// startAdminHTTP starts the admin HTTP server in the background. It is
// disabled when Config.AdminAddr is empty.
func (s *Server) startAdminHTTP() error {
	addr := s.cfg.AdminAddr
	if addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen admin: %w", err)
	}
	s.adminLn = ln
	s.admin = &http.Server{
		Handler:           s.adminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("admin HTTP listening", "addr", ln.Addr().String())
		if err := s.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin HTTP error", "err", err)
		}
	}()
	return nil
}

func (s *Server) stopAdminHTTP() {
	if s.admin == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.admin.Shutdown(ctx); err != nil {
		// Hijacked /events connections are not tracked by Shutdown; they
		// end when the feed closes.
		_ = s.admin.Close()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := yaml.Marshal(s.Status())
	if err != nil {
		http.Error(w, "encode status: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(data)
}

// handleEvents streams feed events to a WebSocket client as JSON text
// messages until either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("events upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	events, cancel := s.feed.Subscribe()
	defer cancel()

	// The read side only handles control frames; it ends when the client
	// closes or stops answering pings.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventsPingPeriod)
	defer ticker.Stop()

	slog.Debug("events subscriber connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package server implements the roomchat server: connection handling, the
// login/room state machine, the session registry, the room directory,
// presence broadcasts and the admin HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/NicolasHaas/roomchat/pkg/auth"
	"github.com/NicolasHaas/roomchat/pkg/datastore"
	"github.com/NicolasHaas/roomchat/pkg/model"
	"github.com/NicolasHaas/roomchat/pkg/version"
)

// feedBuffer is the per-subscriber event buffer of the /events stream.
const feedBuffer = 256

// Server is the main roomchat server.
type Server struct {
	cfg      Config
	store    datastore.DataStore
	auth     *auth.Service
	registry *Registry
	rooms    *RoomDirectory
	presence *Presence
	metrics  *Metrics
	feed     *Feed
	sinks    MultiSink
	now      func() time.Time

	listener net.Listener
	admin    *http.Server
	adminLn  net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	connMu   sync.Mutex
	closing  bool
	peers    map[*Peer]struct{}
	handlers sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		registry: NewRegistry(),
		metrics:  NewMetrics(),
		feed:     NewFeed(feedBuffer),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[*Peer]struct{}),
	}
	if deps.Store != nil {
		s.auth = auth.NewService(deps.Store, cfg.hasher())
		s.sinks = append(s.sinks, deps.Store)
	}
	s.sinks = append(s.sinks, deps.Sinks...)
	s.feed.dropped = s.metrics.FeedDropped.Inc
	s.rooms = NewRoomDirectory(s.metrics, s.emit)
	s.presence = NewPresence(s.registry, cfg.PresenceInterval, s.metrics)
	s.metrics.registerState(s.registry.Count, s.rooms.Count)
	return s
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Rooms returns the room directory.
func (s *Server) Rooms() *RoomDirectory {
	return s.rooms
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Feed returns the live event feed.
func (s *Server) Feed() *Feed {
	return s.feed
}

// Addr returns the chat listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr returns the admin HTTP listener address, or nil if disabled.
func (s *Server) AdminAddr() net.Addr {
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// Start binds the listeners and launches the accept loop, the presence
// broadcaster and the admin HTTP server. It does not block.
func (s *Server) Start() error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.listener = ln

	if err := s.startAdminHTTP(); err != nil {
		_ = ln.Close()
		return err
	}

	go s.acceptLoop(ln)
	go s.presence.Run(s.ctx)

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	slog.Info("roomchat server running",
		"addr", ln.Addr().String(),
		"admin", s.cfg.AdminAddr,
		"version", version.String(),
	)
	s.emit(model.Event{Kind: model.EventServerStarted, RemoteAddr: ln.Addr().String()})
	return nil
}

// Run starts the server and blocks until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	slog.Info("shutting down...")
	return s.Shutdown()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept error", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.connMu.Lock()
		if s.closing {
			s.connMu.Unlock()
			_ = conn.Close()
			return
		}
		s.handlers.Add(1)
		s.connMu.Unlock()

		go s.handleConn(conn)
	}
}

func (s *Server) trackPeer(p *Peer) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.peers[p] = struct{}{}
	return true
}

func (s *Server) untrackPeer(p *Peer) {
	s.connMu.Lock()
	delete(s.peers, p)
	s.connMu.Unlock()
}

// Shutdown gracefully stops the server: it stops accepting, closes every
// connection, waits up to ShutdownTimeout for their cleanup, then closes the
// store. Calls after the first return the first result.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.stopAdminHTTP()

		s.connMu.Lock()
		s.closing = true
		peers := make([]*Peer, 0, len(s.peers))
		for p := range s.peers {
			peers = append(peers, p)
		}
		s.connMu.Unlock()

		for _, p := range peers {
			p.Close("server shutdown")
		}

		done := make(chan struct{})
		go func() {
			s.handlers.Wait()
			close(done)
		}()

		var errs []error
		select {
		case <-done:
		case <-time.After(s.cfg.ShutdownTimeout):
			errs = append(errs, fmt.Errorf("server: connection handlers still running after %s", s.cfg.ShutdownTimeout))
		}

		s.feed.Close()
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("server: close store: %w", err))
			}
		}
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}

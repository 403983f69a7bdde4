package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/NicolasHaas/roomchat/pkg/logging"
	"github.com/NicolasHaas/roomchat/pkg/model"
	"github.com/NicolasHaas/roomchat/pkg/protocol"
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "UNAUTHENTICATED"
	case stateAuthenticated:
		return "AUTHENTICATED"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// connection is the per-socket state machine. Its fields are only touched by
// the connection's own read goroutine.
type connection struct {
	srv     *Server
	peer    *Peer
	state   connState
	session *Session
	log     *slog.Logger // peer logger, plus the user once authenticated

	teardownOnce sync.Once
}

// handleConn runs one connection until the socket closes.
func (s *Server) handleConn(conn net.Conn) {
	defer s.handlers.Done()

	peer := newPeer(conn, uuid.NewString(), s.cfg, s.metrics)
	if !s.trackPeer(peer) {
		peer.Close("server shutdown")
		return
	}
	defer s.untrackPeer(peer)

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		peer.writeLoop()
	}()

	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()
	peer.log.Debug("new connection")
	s.emit(model.Event{Kind: model.EventConnected, RemoteAddr: peer.RemoteAddr(), ConnID: peer.ConnID()})

	c := &connection{srv: s, peer: peer, state: stateUnauthenticated, log: peer.log}
	defer c.teardown()
	c.readLoop(conn)
}

// readLoop decodes and dispatches packets in arrival order until the socket
// fails or a frame is malformed.
func (c *connection) readLoop(conn net.Conn) {
	for {
		pkt, err := protocol.ReadPacket(conn, c.srv.cfg.MaxFrameSize)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF) || isClosedErr(err):
				c.log.Debug("connection closed")
			case errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrFrameTooLarge):
				c.log.Warn("malformed packet, dropping connection", logging.Err(err))
			default:
				c.log.Debug("read error", logging.Err(err))
			}
			return
		}
		c.srv.metrics.RecordPacketIn(pkt.Type())
		c.dispatch(pkt)
	}
}

func (c *connection) userID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// endSession leaves every room and then drops the registry entry, so a new
// login for the same id never overlaps the old session's memberships.
func (c *connection) endSession() {
	sess := c.session
	if sess == nil {
		return
	}
	c.srv.rooms.LeaveAll(sess)
	c.srv.registry.Unregister(sess)
	c.session = nil
	c.state = stateUnauthenticated
	c.log = c.peer.log
}

// teardown runs once when the connection ends.
func (c *connection) teardown() {
	c.teardownOnce.Do(func() {
		userID := c.userID()
		log := c.log
		c.endSession()
		c.state = stateClosed
		c.peer.Close("disconnected")

		c.srv.metrics.ConnectionsActive.Dec()
		c.srv.metrics.Disconnects.Inc()
		log.Info("client disconnected", "reason", c.peer.CloseReason())
		c.srv.emit(model.Event{
			Kind:       model.EventDisconnected,
			RemoteAddr: c.peer.RemoteAddr(),
			UserID:     userID,
			ConnID:     c.peer.ConnID(),
		})
	})
}

// reply queues pkt to this connection's own client.
func (c *connection) reply(pkt protocol.Packet) {
	if !c.peer.Send(pkt) {
		c.log.Debug("reply dropped", "type", pkt.Type())
	}
}

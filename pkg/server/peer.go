package server

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/logging"
	"github.com/NicolasHaas/roomchat/pkg/protocol"
)

// Peer is the outbound half of a connection. Send only enqueues; a single
// writer goroutine owns the socket writes, so callers may send while holding
// locks without ever blocking on the network.
type Peer struct {
	connID string
	remote string
	conn   net.Conn

	outbox       chan protocol.Packet
	writeTimeout time.Duration
	maxFailures  int32
	failures     atomic.Int32

	metrics *Metrics
	log     *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value // string
}

func newPeer(conn net.Conn, connID string, cfg Config, m *Metrics) *Peer {
	remote := conn.RemoteAddr().String()
	return &Peer{
		connID:       connID,
		remote:       remote,
		conn:         conn,
		outbox:       make(chan protocol.Packet, cfg.OutboxSize),
		writeTimeout: cfg.WriteTimeout,
		maxFailures:  int32(cfg.MaxSendFailures), //nolint:gosec // validated config
		metrics:      m,
		log:          logging.ForConn(connID, remote),
		done:         make(chan struct{}),
	}
}

// ConnID returns the connection id used in logs and events.
func (p *Peer) ConnID() string { return p.connID }

// RemoteAddr returns the client's address.
func (p *Peer) RemoteAddr() string { return p.remote }

// Done is closed once the peer is closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Send enqueues pkt without blocking. It reports false if the peer is closed
// or its outbox is full. After MaxSendFailures consecutive full-outbox
// failures the peer is closed.
func (p *Peer) Send(pkt protocol.Packet) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.outbox <- pkt:
		p.failures.Store(0)
		return true
	default:
	}

	p.metrics.SendsDropped.Inc()
	if p.failures.Add(1) >= p.maxFailures {
		p.log.Warn("peer outbox stays full, closing")
		p.metrics.PeersEvicted.Inc()
		p.Close("outbox full")
	}
	return false
}

// Close stops the writer and closes the socket, which ends the connection's
// read loop. Only the first call has an effect.
func (p *Peer) Close(reason string) {
	p.closeOnce.Do(func() {
		p.reason.Store(reason)
		close(p.done)
		_ = p.conn.Close()
	})
}

// CloseReason returns the reason passed to the first Close call.
func (p *Peer) CloseReason() string {
	r, _ := p.reason.Load().(string)
	return r
}

// writeLoop drains the outbox until the peer is closed. A write error or
// timeout closes the peer.
func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case pkt := <-p.outbox:
			if err := p.write(pkt); err != nil {
				if !isClosedErr(err) {
					p.log.Warn("write failed, closing", logging.Err(err))
					p.metrics.PeersEvicted.Inc()
				}
				p.Close("write failed")
				return
			}
		}
	}
}

func (p *Peer) write(pkt protocol.Packet) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return err
	}
	if err := protocol.WritePacket(p.conn, pkt); err != nil {
		return err
	}
	p.metrics.RecordPacketOut(pkt.Type())
	return nil
}

// isClosedErr reports whether err comes from using a closed connection.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

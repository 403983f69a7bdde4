// Package client implements the roomchat client networking.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/protocol"
)

var (
	// ErrTimeout is returned when no matching packet arrives in time.
	ErrTimeout = errors.New("client: timed out waiting for packet")
	// ErrClosed is returned once the connection is gone and every received
	// packet has been consumed.
	ErrClosed = errors.New("client: connection closed")
)

// inboxSize is how many received packets are buffered before the reader
// stops draining the socket. A reader blocked on a full inbox resumes when
// packets are consumed and gives up when Close is called.
const inboxSize = 1024

// Client is one connection to a roomchat server. Sends are serialized;
// received packets are queued in arrival order.
type Client struct {
	conn  net.Conn
	mu    sync.Mutex
	inbox chan protocol.Packet
	done  chan struct{}

	closed    chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dial connects to the server at addr and starts receiving.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	c := &Client{
		conn:   conn,
		inbox:  make(chan protocol.Packet, inboxSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.receive()
	return c, nil
}

func (c *Client) receive() {
	defer close(c.done)
	defer close(c.inbox)
	for {
		pkt, err := protocol.ReadPacket(c.conn, 0)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("client read error", "err", err)
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}
			return
		}
		select {
		case c.inbox <- pkt:
		case <-c.closed:
			return
		}
	}
}

// Err returns the read error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes pkt to the server.
func (c *Client) Send(pkt protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WritePacket(c.conn, pkt)
}

// Next returns the next received packet of any type.
func (c *Client) Next(timeout time.Duration) (protocol.Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case pkt, ok := <-c.inbox:
		if !ok {
			return protocol.Packet{}, ErrClosed
		}
		return pkt, nil
	case <-timer.C:
		return protocol.Packet{}, ErrTimeout
	}
}

// Expect returns the next packet and fails if its type is not t. Periodic
// UPDATE_LIST packets are skipped unless t is TypeUpdateList.
func (c *Client) Expect(t protocol.Type, timeout time.Duration) (protocol.Packet, error) {
	deadline := time.Now().Add(timeout)
	for {
		pkt, err := c.Next(time.Until(deadline))
		if err != nil {
			return pkt, fmt.Errorf("client: waiting for %s: %w", t, err)
		}
		if pkt.Type() == protocol.TypeUpdateList && t != protocol.TypeUpdateList {
			continue
		}
		if pkt.Type() != t {
			return pkt, fmt.Errorf("client: got %s, want %s", pkt.Type(), t)
		}
		return pkt, nil
	}
}

// ExpectSilence fails if any packet other than UPDATE_LIST arrives within d.
func (c *Client) ExpectSilence(d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		pkt, err := c.Next(time.Until(deadline))
		switch {
		case errors.Is(err, ErrTimeout):
			return nil
		case err != nil:
			return err
		case pkt.Type() != protocol.TypeUpdateList:
			return fmt.Errorf("client: unexpected %s", pkt.Type())
		}
	}
}

// Close closes the connection and releases a reader blocked on a full inbox.
// Packets already queued can still be read with Next.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

// Done returns a channel that's closed when the reader stops: after the
// connection is lost and the inbox has room for what was read, or after
// Close.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

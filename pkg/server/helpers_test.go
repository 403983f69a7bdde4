package server

import (
	"net"
	"testing"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/protocol"
)

// testConfig is DefaultConfig with loopback listeners, no admin server, a
// fast hasher and presence effectively disabled.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdminAddr = ""
	cfg.PresenceInterval = time.Hour
	cfg.HashIterations = 1000
	cfg.SaltSize = 16
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

// newTestPeer returns a peer over one end of a pipe, without a writer
// goroutine, plus the other end. Queued packets stay in the outbox.
func newTestPeer(t *testing.T, connID string, m *Metrics) (*Peer, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return newPeer(local, connID, testConfig(), m), remote
}

// newTestSession registers id with a fresh test peer.
func newTestSession(t *testing.T, reg *Registry, id string, m *Metrics) *Session {
	t.Helper()
	p, _ := newTestPeer(t, "conn-"+id, m)
	sess, err := reg.Register(id, p)
	if err != nil {
		t.Fatalf("Register(%q): %v", id, err)
	}
	return sess
}

// drain returns every packet currently queued for p.
func drain(p *Peer) []protocol.Packet {
	var out []protocol.Packet
	for {
		select {
		case pkt := <-p.outbox:
			out = append(out, pkt)
		default:
			return out
		}
	}
}

func roomStatus(roomID, to string, members ...string) protocol.Packet {
	return protocol.NewBuilder(protocol.TypeRoomStatus).
		Sender(protocol.ServerID).
		Receiver(to).
		RoomID(roomID).
		UserList(members).
		Build()
}

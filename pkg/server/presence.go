package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/protocol"
)

// Presence periodically sends every online user the full online list.
type Presence struct {
	registry *Registry
	interval time.Duration
	metrics  *Metrics
}

// NewPresence creates a broadcaster over registry.
func NewPresence(registry *Registry, interval time.Duration, m *Metrics) *Presence {
	return &Presence{registry: registry, interval: interval, metrics: m}
}

// Run broadcasts every interval until ctx is cancelled.
func (p *Presence) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Broadcast()
		}
	}
}

// Broadcast sends one UPDATE_LIST round and returns how many packets were
// queued. A full outbox only affects its own recipient; the peer closes
// itself once its failures persist.
func (p *Presence) Broadcast() int {
	sessions := p.registry.sessions()
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.ID)
	}

	b := protocol.NewBuilder(protocol.TypeUpdateList).
		Sender(protocol.ServerID).
		UserList(ids)

	sent := 0
	for _, sess := range sessions {
		if sess.peer.Send(b.Receiver(sess.ID).Build()) {
			sent++
		}
	}
	p.metrics.PresenceTicks.Inc()
	if sent < len(sessions) {
		slog.Debug("presence round incomplete", "sent", sent, "online", len(sessions))
	}
	return sent
}

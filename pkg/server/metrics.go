package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NicolasHaas/roomchat/pkg/protocol"
)

const metricsNamespace = "roomchat"

// Metrics tracks server runtime statistics on a private Prometheus registry.
type Metrics struct {
	startTime time.Time
	registry  *prometheus.Registry

	// Connection counters
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	Disconnects       prometheus.Counter

	// Auth outcomes, labelled by op (signup, login) and result (ok, rejected, error)
	Auth *prometheus.CounterVec

	// Protocol traffic, labelled by packet type
	PacketsIn  *prometheus.CounterVec
	PacketsOut *prometheus.CounterVec

	MessagesRelayed prometheus.Counter
	InvitesSent     prometheus.Counter

	RoomsCreated prometheus.Counter
	RoomsRemoved prometheus.Counter

	PresenceTicks prometheus.Counter
	SendsDropped  prometheus.Counter // outbox full
	PeersEvicted  prometheus.Counter // torn down after repeated send failures or a write error
	FeedDropped   prometheus.Counter // /events subscriber too slow
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),

		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "connections_total",
			Help: "Lifetime TCP connections accepted.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "connections_active",
			Help: "Current open TCP connections.",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "disconnects_total",
			Help: "Total client disconnects (clean and unclean).",
		}),
		Auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "auth_total",
			Help: "Sign-up and login attempts by outcome.",
		}, []string{"op", "result"}),
		PacketsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "packets_in_total",
			Help: "Packets decoded from clients by type.",
		}, []string{"type"}),
		PacketsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "packets_out_total",
			Help: "Packets written to clients by type.",
		}, []string{"type"}),
		MessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "messages_relayed_total",
			Help: "MESSAGE packets forwarded to room members.",
		}),
		InvitesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "invites_sent_total",
			Help: "INVITE packets forwarded to online users.",
		}),
		RoomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "rooms_created_total",
			Help: "Rooms created.",
		}),
		RoomsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "rooms_removed_total",
			Help: "Rooms removed after the last member left.",
		}),
		PresenceTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "presence_ticks_total",
			Help: "UPDATE_LIST broadcast rounds.",
		}),
		SendsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "sends_dropped_total",
			Help: "Packets dropped because a connection's outbox was full.",
		}),
		PeersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "peers_evicted_total",
			Help: "Connections torn down after persistent send failures.",
		}),
		FeedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "feed_dropped_total",
			Help: "Events not delivered to a slow /events subscriber.",
		}),
	}

	m.registry.MustRegister(
		m.ConnectionsTotal, m.ConnectionsActive, m.Disconnects,
		m.Auth, m.PacketsIn, m.PacketsOut,
		m.MessagesRelayed, m.InvitesSent,
		m.RoomsCreated, m.RoomsRemoved,
		m.PresenceTicks, m.SendsDropped, m.PeersEvicted, m.FeedDropped,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "uptime_seconds",
			Help: "Server uptime in seconds.",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
	)
	return m
}

// registerState exposes live registry sizes as gauges.
func (m *Metrics) registerState(sessions, rooms func() int) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "sessions_online",
			Help: "Authenticated sessions.",
		}, func() float64 { return float64(sessions()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "rooms_active",
			Help: "Rooms with at least one member.",
		}, func() float64 { return float64(rooms()) }),
	)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordPacketIn counts a decoded client packet.
func (m *Metrics) RecordPacketIn(t protocol.Type) {
	m.PacketsIn.WithLabelValues(t.String()).Inc()
}

// RecordPacketOut counts a packet written to a client.
func (m *Metrics) RecordPacketOut(t protocol.Type) {
	m.PacketsOut.WithLabelValues(t.String()).Inc()
}

// RecordAuth counts a sign-up or login outcome.
func (m *Metrics) RecordAuth(op, result string) {
	m.Auth.WithLabelValues(op, result).Inc()
}

// Values returns the current value of every unlabelled metric and the sum
// over labels for vectors, keyed by metric name.
func (m *Metrics) Values() map[string]float64 {
	out := make(map[string]float64)
	families, err := m.registry.Gather()
	if err != nil {
		slog.Warn("gather metrics", "err", err)
	}
	for _, fam := range families {
		var sum float64
		for _, metric := range fam.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				sum += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				sum += metric.GetGauge().GetValue()
			}
		}
		out[fam.GetName()] = sum
	}
	return out
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	v := m.Values()
	slog.Info("metrics",
		"uptime", time.Since(m.startTime).Truncate(time.Second).String(),
		"connections", v[metricsNamespace+"_connections_active"],
		"total_connections", v[metricsNamespace+"_connections_total"],
		"sessions", v[metricsNamespace+"_sessions_online"],
		"rooms", v[metricsNamespace+"_rooms_active"],
		"msgs_relayed", v[metricsNamespace+"_messages_relayed_total"],
		"sends_dropped", v[metricsNamespace+"_sends_dropped_total"],
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}

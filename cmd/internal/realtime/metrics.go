package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ConnectionsActive  prometheus.Gauge
	SessionsSuperseded prometheus.Counter
	SessionsKicked     *prometheus.CounterVec
	HeartbeatTimeouts  prometheus.Counter

	MessagesPersisted  prometheus.Counter
	MessagesDuplicated prometheus.Counter
	SendLatency        prometheus.Histogram

	BroadcastDeliveries prometheus.Counter
	BroadcastDrops      prometheus.Counter

	TypingBroadcasts *prometheus.CounterVec
	ReactionChanges  prometheus.Counter
	StoreRetries     prometheus.Counter
	UnreadReconciles prometheus.Counter
}

// NewMetrics builds the realtime collectors and registers them on reg.
// A nil reg leaves them unregistered (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bazaar", Subsystem: "realtime",
			Name: "connections_active",
			Help: "Current number of authenticated websocket sessions",
		}),
		SessionsSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "realtime",
			Name: "sessions_superseded_total",
			Help: "Sessions replaced by a newer connection from the same device",
		}),
		SessionsKicked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "realtime",
			Name: "sessions_kicked_total",
			Help: "Sessions torn down by the server, by reason",
		}, []string{"reason"}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "realtime",
			Name: "heartbeat_timeouts_total",
			Help: "Sessions torn down after heartbeat silence",
		}),
		MessagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "realtime",
			Name: "messages_persisted_total",
			Help: "Messages durably stored",
		}),
		MessagesDuplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "realtime",
			Name: "messages_duplicated_total",
			Help: "Send requests resolved to an existing message by client token",
		}),
		SendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bazaar", Subsystem: "realtime",
			Name:    "send_latency_seconds",
			Help:    "Time from send request to completed broadcast",
			Buckets: prometheus.DefBuckets,
		}),
		BroadcastDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "realtime",
			Name: "broadcast_deliveries_total",
			Help: "Events accepted by a session send queue",
		}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "realtime",
			Name: "broadcast_drops_total",
			Help: "Events refused by a closed or saturated session",
		}),
		TypingBroadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "realtime",
			Name: "typing_broadcasts_total",
			Help: "Typing indicator broadcasts by state",
		}, []string{"state"}),
		ReactionChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "realtime",
			Name: "reaction_changes_total",
			Help: "Reaction requests that changed stored state",
		}),
		StoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "realtime",
			Name: "store_retries_total",
			Help: "Storage operations retried after a transient failure",
		}),
		UnreadReconciles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "realtime",
			Name: "unread_reconciles_total",
			Help: "Full unread counter recomputations",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionsActive,
			m.SessionsSuperseded,
			m.SessionsKicked,
			m.HeartbeatTimeouts,
			m.MessagesPersisted,
			m.MessagesDuplicated,
			m.SendLatency,
			m.BroadcastDeliveries,
			m.BroadcastDrops,
			m.TypingBroadcasts,
			m.ReactionChanges,
			m.StoreRetries,
			m.UnreadReconciles,
		)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

func (m *Metrics) kicked(reason KickReason) {
	if m == nil {
		return
	}
	m.SessionsKicked.WithLabelValues(reason.String()).Inc()
	switch reason {
	case KickSuperseded:
		m.SessionsSuperseded.Inc()
	case KickHeartbeatTimeout:
		m.HeartbeatTimeouts.Inc()
	}
}

func (m *Metrics) persisted(duplicated bool, since time.Time) {
	if m == nil {
		return
	}
	if duplicated {
		m.MessagesDuplicated.Inc()
		return
	}
	m.MessagesPersisted.Inc()
	m.SendLatency.Observe(time.Since(since).Seconds())
}

func (m *Metrics) delivery(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.BroadcastDeliveries.Inc()
	} else {
		m.BroadcastDrops.Inc()
	}
}

func (m *Metrics) typing(isTyping bool) {
	if m == nil {
		return
	}
	state := "stop"
	if isTyping {
		state = "start"
	}
	m.TypingBroadcasts.WithLabelValues(state).Inc()
}

func (m *Metrics) reactionChanged() {
	if m != nil {
		m.ReactionChanges.Inc()
	}
}

func (m *Metrics) storeRetry() {
	if m != nil {
		m.StoreRetries.Inc()
	}
}

func (m *Metrics) reconciled() {
	if m != nil {
		m.UnreadReconciles.Inc()
	}
}

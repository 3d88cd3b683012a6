package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatrelay"

// Metrics holds the collectors updated by the websocket hub.
type Metrics struct {
	ConnectionsTotal   prometheus.Counter
	ConnectionsCurrent prometheus.Gauge
	FramesReceived     prometheus.Counter
	FramesSent         prometheus.Counter
	ChatMessages       prometheus.Counter
	OfflineQueued      prometheus.Counter
	OfflineDelivered   prometheus.Counter
	SlowConsumers      prometheus.Counter
	Errors             *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Websocket connections accepted.",
		}),
		ConnectionsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_current",
			Help: "Websocket connections currently open.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total",
			Help: "Inbound protocol frames.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_sent_total",
			Help: "Outbound protocol frames queued on a connection.",
		}),
		ChatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chat_messages_total",
			Help: "Chat messages stored and broadcast.",
		}),
		OfflineQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "offline_queued_total",
			Help: "Messages queued for participants without a live connection.",
		}),
		OfflineDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "offline_delivered_total",
			Help: "Queued messages flushed on authentication.",
		}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "slow_consumers_total",
			Help: "Connections closed because their send buffer was full.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Error frames sent, by code.",
		}, []string{"code"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectionsTotal,
			m.ConnectionsCurrent,
			m.FramesReceived,
			m.FramesSent,
			m.ChatMessages,
			m.OfflineQueued,
			m.OfflineDelivered,
			m.SlowConsumers,
			m.Errors,
		)
	}
	return m
}

// RegisterGauges exposes values computed on scrape, such as room and
// online-user counts.
func RegisterGauges(reg prometheus.Registerer, rooms, online func() float64) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_conversations",
			Help: "Conversations with at least one joined connection.",
		}, rooms),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online_users",
			Help: "Distinct authenticated identities with a live connection.",
		}, online),
	)
}

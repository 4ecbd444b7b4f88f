package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of one session.
type Metrics struct {
	MessagesSent      prometheus.Counter
	MessagesFailed    prometheus.Counter
	MessagesReceived  prometheus.Counter
	HistoryMerges     prometheus.Counter
	DraftsPromoted    prometheus.Counter
	Reconnects        prometheus.Counter
	ConversationFetch *prometheus.CounterVec
	UnreadTotal       prometheus.Gauge
	Connected         prometheus.Gauge
	SendDuration      prometheus.Histogram
}

// NewMetrics registers the session collectors on reg. A nil reg keeps them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Messages confirmed by the chat API",
		}),
		MessagesFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_failed_total",
			Help: "Sends rolled back after the chat API rejected them",
		}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_received_total",
			Help: "Live messages received over the realtime channel",
		}),
		HistoryMerges: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_history_merges_total",
			Help: "History pushes merged into the message cache",
		}),
		DraftsPromoted: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_drafts_promoted_total",
			Help: "Draft conversations promoted to server conversations",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Realtime reconnection attempts",
		}),
		ConversationFetch: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_conversation_fetches_total",
			Help: "Conversation list refreshes by result",
		}, []string{"result"}),
		UnreadTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_unread_messages",
			Help: "Sum of unread counts across conversations",
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_realtime_connected",
			Help: "1 while the realtime channel is connected",
		}),
		SendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatsync_send_duration_seconds",
			Help:    "Latency of the chat API send call",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

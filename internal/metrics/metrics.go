package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Realtime transport
	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_inbound_events_total",
			Help: "Realtime events received from the server",
		},
		[]string{"event"},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnects_total",
			Help: "Reconnect attempts after an unexpected close",
		},
	)

	// Composer
	Sends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Message sends by outcome",
		},
		[]string{"result"}, // "emitted", "acked", "failed", "unavailable"
	)

	Notifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_notifications_total",
			Help: "Inbound message notifications raised",
		},
	)

	// HTTP API
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Requests to the chat HTTP API",
		},
		[]string{"endpoint", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "Chat HTTP API request duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"endpoint"},
	)
)

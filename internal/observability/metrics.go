package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal   *prometheus.CounterVec
	httpLatencySeconds  *prometheus.HistogramVec
	httpErrorsTotal     *prometheus.CounterVec
	chatConnections     *prometheus.CounterVec
	chatActive          prometheus.Gauge
	messagesSentTotal   *prometheus.CounterVec
	notificationsTotal  *prometheus.CounterVec
	sseClientsActive    prometheus.Gauge
	presenceTransitions *prometheus.CounterVec
	typingExpiredTotal  prometheus.Counter
	subscriptionErrors  *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the realtime service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clientsync_http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clientsync_http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clientsync_http_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		chatConnections = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clientsync_chat_connections_total",
			Help: "Chat websocket connection lifecycle events.",
		}, []string{"event"})

		chatActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clientsync_chat_connections_active",
			Help: "Currently open chat websocket connections.",
		})

		messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clientsync_messages_sent_total",
			Help: "Messages appended to conversations.",
		}, []string{"type"})

		notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clientsync_notifications_published_total",
			Help: "Notifications emitted, by outcome.",
		}, []string{"outcome"})

		sseClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clientsync_sse_clients_active",
			Help: "Connected notification stream clients.",
		})

		presenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clientsync_presence_transitions_total",
			Help: "Presence state changes, by target state and cause.",
		}, []string{"state", "cause"})

		typingExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clientsync_typing_expired_total",
			Help: "Typing indicators cleared by the server-side ceiling.",
		})

		subscriptionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clientsync_subscription_errors_total",
			Help: "Snapshot load failures inside live subscriptions.",
		}, []string{"subscription"})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			httpErrorsTotal,
			chatConnections,
			chatActive,
			messagesSentTotal,
			notificationsTotal,
			sseClientsActive,
			presenceTransitions,
			typingExpiredTotal,
			subscriptionErrors,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

func ChatConnectionsTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return chatConnections
}

func ChatConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatActive
}

func MessagesSentTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesSentTotal
}

func NotificationsPublishedTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsTotal
}

func SSEClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return sseClientsActive
}

func PresenceTransitionsTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return presenceTransitions
}

func TypingExpiredTotal() prometheus.Counter {
	RegisterMetrics()
	return typingExpiredTotal
}

func SubscriptionErrorsTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return subscriptionErrors
}

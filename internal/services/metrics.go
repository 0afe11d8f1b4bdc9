package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the bot
type Metrics struct {
	// Pipeline metrics
	TurnsProcessed *prometheus.CounterVec
	TurnLatency    prometheus.Histogram
	RateLimited    prometheus.Counter

	// Provider metrics
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec

	// Worker metrics
	WorkerCalls   *prometheus.CounterVec
	WorkerLatency *prometheus.HistogramVec

	// Delivery metrics
	MessagesSent   *prometheus.CounterVec
	BroadcastsSent prometheus.Counter
	RemindersFired prometheus.Counter
}

// InitMetrics initializes the Prometheus metrics
func InitMetrics() *Metrics {
	return &Metrics{
		TurnsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorbot_turns_total",
			Help: "Total pipeline turns by outcome",
		}, []string{"outcome"}), // "answered", "command", "rate_limited", "error"

		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tutorbot_turn_duration_seconds",
			Help:    "End-to-end turn latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for LLM responses
		}),

		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tutorbot_rate_limited_total",
			Help: "Total messages refused by the rate limiter",
		}),

		ProviderRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorbot_provider_requests_total",
			Help: "Total LLM provider requests by provider and status",
		}, []string{"provider", "status"}),

		ProviderLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tutorbot_provider_duration_seconds",
			Help:    "LLM provider request latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider"}),

		WorkerCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorbot_worker_calls_total",
			Help: "Total knowledge worker invocations by action and status",
		}, []string{"action", "status"}),

		WorkerLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tutorbot_worker_duration_seconds",
			Help:    "Knowledge worker invocation latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180},
		}, []string{"action"}),

		MessagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tutorbot_messages_sent_total",
			Help: "Total Telegram messages sent by kind",
		}, []string{"kind"}), // "reply", "chunked", "document", "menu"

		BroadcastsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tutorbot_broadcasts_total",
			Help: "Total broadcast deliveries attempted",
		}),

		RemindersFired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tutorbot_reminders_fired_total",
			Help: "Total reminders delivered",
		}),
	}
}

// ObserveWorkerCall records one worker invocation.
func (m *Metrics) ObserveWorkerCall(action string, elapsed time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.WorkerCalls.WithLabelValues(action, status).Inc()
	m.WorkerLatency.WithLabelValues(action).Observe(elapsed.Seconds())
}

// ObserveProvider records one LLM provider request.
func (m *Metrics) ObserveProvider(provider string, elapsed time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.ProviderRequests.WithLabelValues(provider, status).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// Package metrics exposes Prometheus instruments for the dispatch engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mail_dispatch"

var (
	// sendsTotal counts send attempts.
	// Labels:
	// - method:  "gmail_api", "smtp_relay" or "ses"
	// - outcome: "sent", "retry" or "failed"
	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "sends_total",
			Help:      "Send attempts by transport method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Duration of a single transport send.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	cyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "cycles_total",
			Help:      "Queue processing cycles run.",
		},
	)

	reclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "reclaimed_total",
			Help:      "Messages returned to pending after being abandoned in sending.",
		},
	)

	// queueDepth is refreshed after every processing cycle.
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages",
			Help:      "Messages in the queue by status.",
		},
		[]string{"status"},
	)

	// tokenRefreshes counts upstream OAuth refreshes.
	// Labels:
	// - outcome: "success", "rejected" or "error"
	tokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth",
			Name:      "refreshes_total",
			Help:      "Upstream OAuth token refreshes by outcome.",
		},
		[]string{"outcome"},
	)

	interceptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intercept",
			Name:      "messages_total",
			Help:      "Messages accepted by the intercept shim by mode.",
		},
		[]string{"mode"},
	)
)

// ObserveSend records one transport send.
func ObserveSend(method, outcome string, d time.Duration) {
	if method == "" {
		method = "unknown"
	}
	sendsTotal.WithLabelValues(method, outcome).Inc()
	sendDuration.WithLabelValues(method).Observe(d.Seconds())
}

// IncCycle increments the processing cycle counter.
func IncCycle() {
	cyclesTotal.Inc()
}

// AddReclaimed adds n reclaimed messages.
func AddReclaimed(n int64) {
	if n > 0 {
		reclaimedTotal.Add(float64(n))
	}
}

// SetQueueDepth publishes per-status message counts.
func SetQueueDepth(counts map[string]int) {
	for status, n := range counts {
		queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// IncTokenRefresh increments the refresh counter for outcome.
func IncTokenRefresh(outcome string) {
	tokenRefreshes.WithLabelValues(outcome).Inc()
}

// IncIntercepted increments the intercept counter for mode.
func IncIntercepted(mode string) {
	if mode == "" {
		mode = "unknown"
	}
	interceptedTotal.WithLabelValues(mode).Inc()
}

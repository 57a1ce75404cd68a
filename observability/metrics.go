package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// moduleMetrics holds the collectors for JSON-RPC module traffic. All label
// values pass through normalizeLabel so empty strings never reach Prometheus.
type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording JSON-RPC
// module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		factory := promauto.With(prometheus.DefaultRegisterer)
		moduleRegistry = &moduleMetrics{
			requests: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: factory.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "agora",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected by throttling policies.",
			}, []string{"module", "reason"}),
		}
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status ultimately written to the response.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	module = normalizeLabel(module, "unknown")
	method = normalizeLabel(method, "unknown")
	if status >= 400 {
		m.requests.WithLabelValues(module, method, "error").Inc()
		m.errors.WithLabelValues(module, method, strconv.Itoa(status)).Inc()
	} else {
		m.requests.WithLabelValues(module, method, "success").Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module.
// Reasons should be stable strings such as "rate_limit" so dashboards stay
// consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalizeLabel(module, "unknown"), normalizeLabel(reason, "unspecified")).Inc()
}

func normalizeLabel(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

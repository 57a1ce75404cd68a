package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics tracks dispute arbitration activity on the escrow module.
type EscrowMetrics struct {
	disputesOpened  prometheus.Counter
	disputesSettled *prometheus.CounterVec
	windowExpired   prometheus.Counter
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			disputesOpened: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_disputes_opened_total",
				Help: "Count of entries moved into dispute.",
			}),
			disputesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_disputes_settled_total",
				Help: "Count of settled disputes by outcome.",
			}, []string{"outcome"}),
			windowExpired: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_dispute_window_expired_total",
				Help: "Count of settlement attempts refused because the resolution window closed.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.disputesOpened,
			escrowRegistry.disputesSettled,
			escrowRegistry.windowExpired,
		)
	})
	return escrowRegistry
}

// RecordDisputeOpened increments the dispute counter.
func (m *EscrowMetrics) RecordDisputeOpened() {
	if m == nil {
		return
	}
	m.disputesOpened.Inc()
}

// RecordDisputeSettled increments the settlement counter for an outcome.
func (m *EscrowMetrics) RecordDisputeSettled(outcome string) {
	if m == nil {
		return
	}
	normalized := strings.ToLower(strings.TrimSpace(outcome))
	if normalized == "" {
		normalized = "unknown"
	}
	m.disputesSettled.WithLabelValues(normalized).Inc()
}

// RecordWindowExpired increments the closed-window refusal counter.
func (m *EscrowMetrics) RecordWindowExpired() {
	if m == nil {
		return
	}
	m.windowExpired.Inc()
}

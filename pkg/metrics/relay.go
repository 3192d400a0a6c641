package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics records delivery outcomes for the outbox relay.
type RelayMetrics struct {
	processed    prometheus.Counter
	failed       prometheus.Counter
	deadLettered prometheus.Counter
	batchSize    prometheus.Histogram
	iteration    prometheus.Histogram
}

// NewRelayMetrics registers the relay metrics on the provided registerer.
// A nil registerer yields a no-op recorder, which tests rely on.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		return &RelayMetrics{}
	}
	processed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_messages_processed_total",
		Help: "Outbox messages dispatched and marked processed.",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_messages_failed_total",
		Help: "Outbox dispatch attempts that failed and will be retried.",
	})
	deadLettered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_messages_dead_lettered_total",
		Help: "Outbox messages moved to the dead letter queue.",
	})
	batchSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_claim_batch_size",
		Help:    "Messages claimed per relay iteration.",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})
	iteration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_iteration_duration_seconds",
		Help:    "Duration of relay iterations in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(processed, failed, deadLettered, batchSize, iteration)
	return &RelayMetrics{
		processed:    processed,
		failed:       failed,
		deadLettered: deadLettered,
		batchSize:    batchSize,
		iteration:    iteration,
	}
}

func (m *RelayMetrics) IncProcessed() {
	if m == nil || m.processed == nil {
		return
	}
	m.processed.Inc()
}

func (m *RelayMetrics) IncFailed() {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.Inc()
}

func (m *RelayMetrics) IncDeadLettered() {
	if m == nil || m.deadLettered == nil {
		return
	}
	m.deadLettered.Inc()
}

func (m *RelayMetrics) ObserveBatchSize(n int) {
	if m == nil || m.batchSize == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}

func (m *RelayMetrics) ObserveIteration(d time.Duration) {
	if m == nil || m.iteration == nil {
		return
	}
	m.iteration.Observe(d.Seconds())
}

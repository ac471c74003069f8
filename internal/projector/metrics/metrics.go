package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the projector.
type Metrics struct {
	// Event processing
	EventsProcessed *prometheus.CounterVec
	EventsDuplicate prometheus.Counter
	ApplyDuration   prometheus.Histogram

	// Optimistic concurrency
	VersionConflicts prometheus.Counter
	RetriesExhausted prometheus.Counter

	// Pending buffer health
	PendingBuffered prometheus.Counter
	PendingDrained  prometheus.Counter
	PendingExpired  prometheus.Counter
	PendingDepth    prometheus.Gauge

	// Dead-letter path
	DeadLettered prometheus.Counter

	// Counter floor hits: a decrement skipped because the counter was zero
	FloorHits prometheus.Counter
}

// New creates a new Metrics instance with all projector metrics registered.
func New() *Metrics {
	return &Metrics{
		EventsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credindex_events_processed_total",
			Help: "Total events applied to the projection, labeled by event name and result",
		}, []string{"event", "result"}),
		EventsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credindex_events_duplicate_total",
			Help: "Total redelivered events detected by event ID and skipped",
		}),
		ApplyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "credindex_apply_duration_seconds",
			Help:    "Time taken to apply one event to the projection",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		VersionConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credindex_version_conflicts_total",
			Help: "Total aggregate writes retried after an optimistic concurrency conflict",
		}),
		RetriesExhausted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credindex_retries_exhausted_total",
			Help: "Total aggregate updates abandoned after exhausting conflict retries",
		}),
		PendingBuffered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credindex_pending_buffered_total",
			Help: "Total dependent events buffered because their mint had not been seen",
		}),
		PendingDrained: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credindex_pending_drained_total",
			Help: "Total buffered events applied after their mint arrived",
		}),
		PendingExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credindex_pending_expired_total",
			Help: "Total buffered events expired by TTL; each one is an unresolved anomaly",
		}),
		PendingDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "credindex_pending_depth",
			Help: "Current number of buffered dependent events",
		}),
		DeadLettered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credindex_dead_lettered_total",
			Help: "Total messages routed to the dead-letter topic",
		}),
		FloorHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credindex_counter_floor_hits_total",
			Help: "Total active-counter decrements skipped because the counter was already zero",
		}),
	}
}

// IncProcessed records one applied event with its result label.
func (m *Metrics) IncProcessed(event, result string) {
	m.EventsProcessed.WithLabelValues(event, result).Inc()
}

// IncDuplicate records a redelivered event skip.
func (m *Metrics) IncDuplicate() {
	m.EventsDuplicate.Inc()
}

// ObserveApplyDuration records end-to-end apply latency.
func (m *Metrics) ObserveApplyDuration(seconds float64) {
	m.ApplyDuration.Observe(seconds)
}

// IncVersionConflict records one conflict retry.
func (m *Metrics) IncVersionConflict() {
	m.VersionConflicts.Inc()
}

// IncRetriesExhausted records an abandoned aggregate update.
func (m *Metrics) IncRetriesExhausted() {
	m.RetriesExhausted.Inc()
}

// IncPendingBuffered records a buffered dependent event.
func (m *Metrics) IncPendingBuffered() {
	m.PendingBuffered.Inc()
}

// IncPendingDrained records a drained dependent event.
func (m *Metrics) IncPendingDrained() {
	m.PendingDrained.Inc()
}

// AddPendingExpired records TTL-expired dependent events.
func (m *Metrics) AddPendingExpired(n int) {
	m.PendingExpired.Add(float64(n))
}

// SetPendingDepth sets the current buffer depth.
func (m *Metrics) SetPendingDepth(count int64) {
	m.PendingDepth.Set(float64(count))
}

// IncDeadLettered records a message routed to the dead-letter topic.
func (m *Metrics) IncDeadLettered() {
	m.DeadLettered.Inc()
}

// IncFloorHit records a skipped decrement on a zero counter.
func (m *Metrics) IncFloorHit() {
	m.FloorHits.Inc()
}

package chatlog

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// storeMetrics implements §6's contractual metric names. Prometheus
// metric names can't contain dots, so the dotted contractual names
// (messages.store.time, ...) map onto underscored Prometheus names,
// with the conventional _seconds suffix on the timers and _total on the
// counters; the mapping is fixed here, once.
type storeMetrics struct {
	lookupTime            prometheus.Histogram // messages.lookup.time
	storeTime             prometheus.Histogram // messages.store.time
	retentionRuns         prometheus.Counter    // messages.retention.cleanup.runs
	retentionErrors       prometheus.Counter    // messages.retention.cleanup.errors
	retentionRowsDeleted  prometheus.Gauge      // messages.retention.cleanup.rows_deleted
	retentionDurationMS   prometheus.Gauge      // messages.retention.cleanup.duration_ms
}

func newStoreMetrics(reg prometheus.Registerer) (*storeMetrics, error) {
	factory := promauto.With(reg)

	m := &storeMetrics{
		lookupTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "messages_lookup_time_seconds",
			Help:    "Duration of chat history query operations.",
			Buckets: prometheus.DefBuckets,
		}),
		storeTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "messages_store_time_seconds",
			Help:    "Duration of chat history ingest (store) operations.",
			Buckets: prometheus.DefBuckets,
		}),
		retentionRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "messages_retention_cleanup_runs_total",
			Help: "Number of retention cleanup cycles started.",
		}),
		retentionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "messages_retention_cleanup_errors_total",
			Help: "Number of retention cleanup cycles that aborted on error.",
		}),
		retentionRowsDeleted: factory.NewGauge(prometheus.GaugeOpts{
			Name: "messages_retention_cleanup_rows_deleted",
			Help: "Rows deleted by the most recent retention cleanup cycle.",
		}),
		retentionDurationMS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "messages_retention_cleanup_duration_ms",
			Help: "Wall-clock duration of the most recent retention cleanup cycle, in milliseconds.",
		}),
	}
	return m, nil
}

func (m *storeMetrics) observeLookup(d time.Duration) {
	if m == nil {
		return
	}
	m.lookupTime.Observe(d.Seconds())
}

func (m *storeMetrics) observeStore(d time.Duration) {
	if m == nil {
		return
	}
	m.storeTime.Observe(d.Seconds())
}

func (m *storeMetrics) recordRetentionCycle(rowsDeleted int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.retentionRuns.Inc()
	if err != nil {
		m.retentionErrors.Inc()
	}
	m.retentionRowsDeleted.Set(float64(rowsDeleted))
	m.retentionDurationMS.Set(float64(d.Milliseconds()))
}

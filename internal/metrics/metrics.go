// Package metrics defines the prometheus collectors for the change
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bitempo"

// Metrics holds the engine's collectors. A nil *Metrics disables
// instrumentation.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	RowsIn          *prometheus.CounterVec
	GroupsProcessed prometheus.Counter
	InsertBatches   prometheus.Counter
	ExpiredRows     prometheus.Counter
}

// New registers the engine collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RunsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Change computations, by outcome.",
		}, []string{"outcome"}),
		RunDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of one change computation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		RowsIn: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_in_total",
			Help:      "Input rows, by role.",
		}, []string{"role"}),
		GroupsProcessed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_groups_total",
			Help:      "Identity-key groups processed.",
		}),
		InsertBatches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insert_batches_total",
			Help:      "Insert batches emitted after post-processing.",
		}),
		ExpiredRows: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_rows_total",
			Help:      "Current-state rows marked for expiry.",
		}),
	}
}

package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Metrics implements subsync.Metrics using Prometheus.
type Metrics struct {
	sweepRunsTotal     prometheus.Counter
	sweepSkippedTotal  prometheus.Counter
	sweepErrorsTotal   *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	sweepItemsTotal    *prometheus.CounterVec
	sweepLastSuccess   prometheus.Gauge
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
}

var _ subsync.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		sweepRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Total number of completed reconciliation sweeps.",
		}),

		sweepSkippedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_skipped_total",
			Help:      "Total number of sweeps skipped because another run held the guard.",
		}),

		sweepErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Total number of failed reconciliation sweeps.",
		}, []string{"reason"}),

		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reconciliation sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),

		sweepItemsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_items_total",
			Help:      "Total number of items touched by reconciliation sweeps.",
		}, []string{"kind"}),

		sweepLastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful sweep.",
		}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordSweep(subscriptions, captains, charters int, duration time.Duration) {
	m.sweepRunsTotal.Inc()
	m.sweepDuration.Observe(duration.Seconds())
	m.sweepItemsTotal.WithLabelValues("subscriptions").Add(float64(subscriptions))
	m.sweepItemsTotal.WithLabelValues("captains").Add(float64(captains))
	m.sweepItemsTotal.WithLabelValues("charters").Add(float64(charters))
	m.sweepLastSuccess.SetToCurrentTime()
}

func (m *Metrics) RecordSweepError(reason string) {
	m.sweepErrorsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSweepSkipped() {
	m.sweepSkippedTotal.Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

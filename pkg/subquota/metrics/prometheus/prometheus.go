package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aegislabs/subquota/pkg/subquota"
)

var _ subquota.Metrics = (*Metrics)(nil)

// Metrics implements subquota.Metrics using Prometheus.
type Metrics struct {
	eventsTotal         *prometheus.CounterVec
	quotaChecksTotal    *prometheus.CounterVec
	quotaCheckDuration  *prometheus.HistogramVec
	storageOpsDuration  *prometheus.HistogramVec
	storageOpsErrors    *prometheus.CounterVec
	sweepRunsTotal      prometheus.Counter
	sweepExpiredTotal   prometheus.Counter
	sweepDurationSecond prometheus.Histogram
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_total",
			Help:      "Total number of billing events processed, by type and outcome.",
		}, []string{"event_type", "outcome"}),

		quotaChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_checks_total",
			Help:      "Total number of quota check-and-consume calls.",
		}, []string{"action", "tier", "allowed"}),

		quotaCheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quota_check_duration_seconds",
			Help:      "Latency of quota check-and-consume calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),

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

		sweepRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweep_runs_total",
			Help:      "Total number of expiry sweep runs.",
		}),

		sweepExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweep_expired_total",
			Help:      "Total number of subscriptions expired by the sweep.",
		}),

		sweepDurationSecond: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "expiry_sweep_duration_seconds",
			Help:      "Duration of expiry sweep runs.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// RecordEvent implements subquota.Metrics.
func (m *Metrics) RecordEvent(eventType, outcome string) {
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordQuotaCheck implements subquota.Metrics.
func (m *Metrics) RecordQuotaCheck(action, tier string, allowed bool, duration time.Duration) {
	m.quotaChecksTotal.WithLabelValues(action, tier, strconv.FormatBool(allowed)).Inc()
	m.quotaCheckDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordStorageOperation implements subquota.Metrics.
func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

// RecordSweep implements subquota.Metrics.
func (m *Metrics) RecordSweep(expired int, duration time.Duration) {
	m.sweepRunsTotal.Inc()
	m.sweepExpiredTotal.Add(float64(expired))
	m.sweepDurationSecond.Observe(duration.Seconds())
}

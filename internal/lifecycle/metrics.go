package lifecycle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tlc"

// Metrics records operation outcomes. A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	records    *prometheus.CounterVec
}

// NewMetrics builds the engine collectors. Register them with
// PrometheusCollectors.
func NewMetrics() *Metrics {
	return &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Number of lifecycle operations by outcome",
		}, []string{"op", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of lifecycle operations",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"op"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records processed by import, by entity type and outcome",
		}, []string{"entity", "outcome"}),
	}
}

// PrometheusCollectors returns all collectors of m.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{m.operations, m.duration, m.records}
}

func (m *Metrics) observe(op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, status).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) observeReport(r *Report) {
	if m == nil || r == nil {
		return
	}
	for _, e := range r.Entities {
		for outcome, n := range map[string]float64{
			"inserted": float64(e.Inserted),
			"updated":  float64(e.Updated),
			"skipped":  float64(e.Skipped),
			"failed":   float64(e.Failed),
			"deleted":  float64(e.Deleted),
		} {
			if n > 0 {
				m.records.WithLabelValues(e.Type, outcome).Add(n)
			}
		}
	}
}

// Package observability provides Prometheus metrics for colony service operations.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mousecolony/internal/core"
)

const namespace = "colony"

// Bucket layout for operation latencies: 1ms doubling up to ~16s.
const (
	bucketStart  = 0.001
	bucketFactor = 2
	bucketCount  = 15
)

// PrometheusRecorder counts and times service operations. It implements
// core.MetricsRecorder and prometheus.Collector.
type PrometheusRecorder struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec

	collectors []prometheus.Collector
}

var _ core.MetricsRecorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder creates the operation metrics and registers them with
// registerer. A nil registerer leaves them unregistered.
func NewPrometheusRecorder(registerer prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of colony service operations",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Time taken by colony service operations",
				Buckets:   prometheus.ExponentialBuckets(bucketStart, bucketFactor, bucketCount),
			},
			[]string{"operation"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_errors_total",
				Help:      "Total number of failed colony service operations",
			},
			[]string{"operation"},
		),
	}
	r.collectors = []prometheus.Collector{r.operationsTotal, r.operationDuration, r.errorsTotal}
	if registerer != nil {
		if err := registerer.Register(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements core.MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
		r.errorsTotal.WithLabelValues(operation).Inc()
	}
	r.operationsTotal.WithLabelValues(operation, status).Inc()
	r.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Describe implements prometheus.Collector.
func (r *PrometheusRecorder) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range r.collectors {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (r *PrometheusRecorder) Collect(ch chan<- prometheus.Metric) {
	for _, c := range r.collectors {
		c.Collect(ch)
	}
}

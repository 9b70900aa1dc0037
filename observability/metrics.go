// Package observability registers the relay's Prometheus metrics.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics counts scheduler and callback activity.
type RelayMetrics struct {
	Ticks              *prometheus.CounterVec
	RowsProcessed      *prometheus.CounterVec
	RowErrors          *prometheus.CounterVec
	CallbackDeliveries *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	registry    *RelayMetrics
)

// Metrics returns the lazily-initialised relay metrics registry.
func Metrics() *RelayMetrics {
	metricsOnce.Do(func() {
		registry = &RelayMetrics{
			Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "scheduler",
				Name:      "ticks_total",
				Help:      "Scheduler ticks executed, segmented by scheduler.",
			}, []string{"scheduler"}),
			RowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "scheduler",
				Name:      "rows_processed_total",
				Help:      "Rows a scheduler acted on, segmented by scheduler and outcome.",
			}, []string{"scheduler", "outcome"}),
			RowErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "scheduler",
				Name:      "row_errors_total",
				Help:      "Per-row errors absorbed by a scheduler tick.",
			}, []string{"scheduler"}),
			CallbackDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relay",
				Subsystem: "callback",
				Name:      "deliveries_total",
				Help:      "Callback delivery attempts, segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			registry.Ticks,
			registry.RowsProcessed,
			registry.RowErrors,
			registry.CallbackDeliveries,
		)
	})
	return registry
}

// Package metrics provides Prometheus metrics for intake generation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carehome/medround/pkg/circuitbreaker"
)

// Run outcomes
const (
	OutcomeCompleted = "completed"
	OutcomePartial   = "partial"
	OutcomeAborted   = "aborted"
)

// Metrics holds all application metrics
type Metrics struct {
	GenerationRuns        *prometheus.CounterVec
	GenerationDuration    prometheus.Histogram
	LastRunTimestamp      prometheus.Gauge
	OrdersProcessed       prometheus.Counter
	OrdersSkipped         prometheus.Counter
	OrderFailures         *prometheus.CounterVec
	RecordsCreated        prometheus.Counter
	RecordsExisting       prometheus.Counter
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	HTTPRequests          *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		GenerationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_generation_runs_total",
			Help: "Generation runs by outcome",
		}, []string{"outcome"}),
		GenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intake_generation_duration_seconds",
			Help:    "Wall time of a generation run",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intake_generation_last_run_timestamp_seconds",
			Help: "Unix time the last generation run finished",
		}),
		OrdersProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_generation_orders_processed_total",
			Help: "Orders expanded and inserted successfully",
		}),
		OrdersSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_generation_orders_skipped_total",
			Help: "Orders skipped because they were unchanged since the last run",
		}),
		OrderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_generation_order_failures_total",
			Help: "Orders that failed generation, by failure kind",
		}, []string{"kind"}),
		RecordsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_records_created_total",
			Help: "Intake records created",
		}),
		RecordsExisting: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_records_existing_total",
			Help: "Insert attempts that found the record already present",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.GenerationRuns,
		m.GenerationDuration,
		m.LastRunTimestamp,
		m.OrdersProcessed,
		m.OrdersSkipped,
		m.OrderFailures,
		m.RecordsCreated,
		m.RecordsExisting,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

// BreakerStateChanged records a circuit breaker transition. Its signature
// matches circuitbreaker.OnStateChange.
func (m *Metrics) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for g. A nil g uses the
// default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

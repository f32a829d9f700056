package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names shared with the metrics provider that queries them back.
const (
	Namespace = "model_gateway"

	RequestsTotalMetric   = Namespace + "_requests_total"
	RequestDurationMetric = Namespace + "_request_duration_seconds"

	LabelModelID  = "model_id"
	LabelIsCanary = "is_canary"
	LabelOutcome  = "outcome"

	OutcomeSuccess = "success"
	OutcomeError   = "error"
	// OutcomeCancelled marks calls abandoned by the caller. They are not
	// provider errors.
	OutcomeCancelled = "cancelled"
)

// Metrics collects gateway metrics.
type Metrics interface {
	RecordAttempt(attempt Attempt)
	SetCircuitState(endpointID string, state float64)
	DeleteCircuitState(endpointID string)
	SetEndpointWeight(family, endpointID string, weight float64)
	RecordEvaluation(family, verdict string)
}

// Attempt describes one provider call made by the dispatcher.
type Attempt struct {
	EndpointID string
	Provider   string
	IsCanary   bool
	Outcome    string
	ErrorKind  string
	Duration   time.Duration
}

// PrometheusMetrics implements Metrics with client_golang collectors.
type PrometheusMetrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	circuit     *prometheus.GaugeVec
	weights     *prometheus.GaugeVec
	evaluations *prometheus.CounterVec
}

// NewPrometheusMetrics registers the gateway collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "requests_total",
				Help:      "Provider call attempts made by the dispatcher",
			},
			[]string{LabelModelID, "provider", LabelIsCanary, LabelOutcome, "error_kind"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "request_duration_seconds",
				Help:      "Provider call latency",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
			[]string{LabelModelID, LabelIsCanary, LabelOutcome},
		),
		circuit: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "circuit_state",
				Help:      "Circuit state per endpoint (0 closed, 1 half-open, 2 open)",
			},
			[]string{LabelModelID},
		),
		weights: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "endpoint_weight",
				Help:      "Routing weight per endpoint",
			},
			[]string{"family", LabelModelID},
		),
		evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "canary_evaluations_total",
				Help:      "Canary evaluations by verdict",
			},
			[]string{"family", "verdict"},
		),
	}
}

func (m *PrometheusMetrics) RecordAttempt(a Attempt) {
	canary := strconv.FormatBool(a.IsCanary)
	m.requests.WithLabelValues(a.EndpointID, a.Provider, canary, a.Outcome, a.ErrorKind).Inc()
	m.duration.WithLabelValues(a.EndpointID, canary, a.Outcome).Observe(a.Duration.Seconds())
}

func (m *PrometheusMetrics) SetCircuitState(endpointID string, state float64) {
	m.circuit.WithLabelValues(endpointID).Set(state)
}

func (m *PrometheusMetrics) DeleteCircuitState(endpointID string) {
	m.circuit.DeleteLabelValues(endpointID)
}

func (m *PrometheusMetrics) SetEndpointWeight(family, endpointID string, weight float64) {
	m.weights.WithLabelValues(family, endpointID).Set(weight)
}

func (m *PrometheusMetrics) RecordEvaluation(family, verdict string) {
	m.evaluations.WithLabelValues(family, verdict).Inc()
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordAttempt(Attempt) {}
func (NopMetrics) SetCircuitState(string, float64) {}
func (NopMetrics) DeleteCircuitState(string) {}
func (NopMetrics) SetEndpointWeight(string, string, float64) {}
func (NopMetrics) RecordEvaluation(string, string) {}

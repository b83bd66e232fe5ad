// Package telemetry provides Prometheus metrics for the gateway pipeline.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	TokensInput  *prometheus.CounterVec
	TokensOutput *prometheus.CounterVec
	CostUSD      *prometheus.CounterVec

	ProviderErrors  *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec

	BreakerState  *prometheus.GaugeVec
	SlotsInUse    *prometheus.GaugeVec
	HealthScore   *prometheus.GaugeVec
	QuotaDenials  *prometheus.CounterVec
	RateLimitHits *prometheus.CounterVec
	Blocked       *prometheus.CounterVec

	StreamConnections prometheus.Gauge
}

// NewMetrics creates and registers all metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of requests",
			},
			[]string{"protocol", "provider", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"protocol", "provider"},
		),

		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_requests_in_flight",
				Help: "Number of requests currently being processed",
			},
		),

		TokensInput: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_input_total",
				Help: "Total input tokens processed",
			},
			[]string{"provider", "model"},
		),

		TokensOutput: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_output_total",
				Help: "Total output tokens generated",
			},
			[]string{"provider", "model"},
		),

		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cost_usd_total",
				Help: "Total cost in USD",
			},
			[]string{"provider", "model"},
		),

		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_errors_total",
				Help: "Total upstream errors per provider",
			},
			[]string{"provider", "error_type"},
		),

		ProviderLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_provider_latency_seconds",
				Help:    "Upstream latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),

		SlotsInUse: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_slots_in_use",
				Help: "In-flight requests per provider",
			},
			[]string{"provider"},
		),

		HealthScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health_score",
				Help: "Provider health score (0-1)",
			},
			[]string{"provider"},
		),

		QuotaDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_quota_denials_total",
				Help: "Requests denied by cost quota",
			},
			[]string{"key_id", "window"},
		),

		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_hits_total",
				Help: "Requests denied by the per-key rate limiter",
			},
			[]string{"key_id"},
		),

		Blocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_blocked_requests_total",
				Help: "Requests blocked by content controls",
			},
			[]string{"stage"},
		),

		StreamConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_stream_connections",
				Help: "Number of active streaming connections",
			},
		),
	}
}

// Handler returns an HTTP handler for Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordBreakerState maps a breaker state name onto the gauge.
func (m *Metrics) RecordBreakerState(provider, state string) {
	var value float64
	switch state {
	case "closed":
		value = 0
	case "half_open":
		value = 1
	case "open":
		value = 2
	}
	m.BreakerState.WithLabelValues(provider).Set(value)
}

// RequestRecorder tracks one request's metrics lifecycle.
type RequestRecorder struct {
	metrics   *Metrics
	protocol  string
	provider  string
	startTime time.Time
}

// NewRequestRecorder starts tracking a request. Provider may be set later
// with SetProvider once routing picks one.
func (m *Metrics) NewRequestRecorder(protocol string) *RequestRecorder {
	m.RequestsInFlight.Inc()
	return &RequestRecorder{
		metrics:   m,
		protocol:  protocol,
		startTime: time.Now(),
	}
}

// SetProvider records the provider the request was dispatched to.
func (r *RequestRecorder) SetProvider(provider string) {
	r.provider = provider
}

// Success records a completed request.
func (r *RequestRecorder) Success(model string, inputTokens, outputTokens int64, costUSD float64) {
	duration := time.Since(r.startTime).Seconds()

	r.metrics.RequestsInFlight.Dec()
	r.metrics.RequestsTotal.WithLabelValues(r.protocol, r.provider, "success").Inc()
	r.metrics.RequestDuration.WithLabelValues(r.protocol, r.provider).Observe(duration)

	r.metrics.TokensInput.WithLabelValues(r.provider, model).Add(float64(inputTokens))
	r.metrics.TokensOutput.WithLabelValues(r.provider, model).Add(float64(outputTokens))
	r.metrics.CostUSD.WithLabelValues(r.provider, model).Add(costUSD)
	if r.provider != "" {
		r.metrics.ProviderLatency.WithLabelValues(r.provider).Observe(duration)
	}
}

// Error records a failed request.
func (r *RequestRecorder) Error(errorType string) {
	duration := time.Since(r.startTime).Seconds()

	r.metrics.RequestsInFlight.Dec()
	r.metrics.RequestsTotal.WithLabelValues(r.protocol, r.provider, "error").Inc()
	r.metrics.RequestDuration.WithLabelValues(r.protocol, r.provider).Observe(duration)
	if r.provider != "" {
		r.metrics.ProviderErrors.WithLabelValues(r.provider, errorType).Inc()
	}
}

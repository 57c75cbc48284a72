package telemetry

import (
	"strconv"

	"github.com/af-corp/copilot-bridge/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	RequestTotal           *prometheus.CounterVec
	RequestDurationMs      *prometheus.HistogramVec
	TokensTotal            *prometheus.CounterVec
	AttributionTotal       *prometheus.CounterVec
	CredentialRefreshTotal *prometheus.CounterVec
	SignatureRetryTotal    *prometheus.CounterVec
	StreamTruncationTotal  *prometheus.CounterVec
	RateLimitHitTotal      *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_bridge_request_total",
			Help: "Total number of requests processed by the gateway.",
		}, []string{"route", "protocol", "status"}),

		RequestDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "copilot_bridge_request_duration_ms",
			Help:    "Total request duration in milliseconds, including upstream latency.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"route", "protocol"}),

		TokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_bridge_tokens_total",
			Help: "Total tokens reported by the upstream.",
		}, []string{"model", "direction"}),

		AttributionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_bridge_attribution_total",
			Help: "Upstream calls by attribution policy and initiator.",
		}, []string{"policy", "initiator"}),

		CredentialRefreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_bridge_credential_refresh_total",
			Help: "Bearer token exchanges by result.",
		}, []string{"result"}),

		SignatureRetryTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_bridge_signature_retry_total",
			Help: "Replays after a thinking signature rejection, by outcome.",
		}, []string{"outcome"}),

		StreamTruncationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_bridge_stream_truncation_total",
			Help: "Upstream streams that ended without a terminal event.",
		}, []string{"protocol"}),

		RateLimitHitTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copilot_bridge_rate_limit_hit_total",
			Help: "Requests held back by the admission gate, by action.",
		}, []string{"action"}),
	}
}

// RecordRequest records metrics for a completed request.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	m.RequestTotal.WithLabelValues(
		labels.Route, labels.Protocol, strconv.Itoa(labels.Status),
	).Inc()

	m.RequestDurationMs.WithLabelValues(
		labels.Route, labels.Protocol,
	).Observe(labels.DurationMs)

	if labels.InputTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Model, "input").Add(float64(labels.InputTokens))
	}
	if labels.OutputTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Model, "output").Add(float64(labels.OutputTokens))
	}
}

// RecordAttribution counts one attribution decision.
func (m *Metrics) RecordAttribution(policy string, initiator types.Initiator) {
	m.AttributionTotal.WithLabelValues(policy, initiator.String()).Inc()
}

func (m *Metrics) RecordCredentialRefresh(result string) {
	m.CredentialRefreshTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSignatureRetry(outcome string) {
	m.SignatureRetryTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStreamTruncation(protocol string) {
	m.StreamTruncationTotal.WithLabelValues(protocol).Inc()
}

func (m *Metrics) RecordRateLimitHit(action string) {
	m.RateLimitHitTotal.WithLabelValues(action).Inc()
}

// RequestLabels holds the label values for recording a request.
type RequestLabels struct {
	Route        string
	Protocol     string
	Model        string
	Status       int
	DurationMs   float64
	InputTokens  int
	OutputTokens int
}

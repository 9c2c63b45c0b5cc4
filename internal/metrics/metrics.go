package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_requests_total",
			Help: "Total number of conversation turns processed",
		},
		[]string{"provider", "model", "mode", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatbridge_request_duration_seconds",
			Help:    "Conversation turn duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model", "mode"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_tokens_total",
			Help: "Total number of tokens reported by providers",
		},
		[]string{"provider", "model", "type"},
	)

	ModelCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_model_cache_hits_total",
			Help: "Total number of model catalog cache hits",
		},
		[]string{"service"},
	)

	ModelCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_model_cache_misses_total",
			Help: "Total number of model catalog cache misses",
		},
		[]string{"service"},
	)

	ModelFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_model_fetches_total",
			Help: "Live model catalog fetches by outcome (live or fallback)",
		},
		[]string{"service", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatbridge_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatbridge_active_streams",
			Help: "Number of streaming replies in progress",
		},
	)

	ConversationGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatbridge_conversation_groups",
			Help: "Number of conversation groups with live history",
		},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatbridge_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"version"},
	)
)

func RecordRequest(provider, model, mode, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(provider, model, mode, status).Inc()
	RequestDuration.WithLabelValues(provider, model, mode).Observe(durationSec)
}

func RecordTokens(provider, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

func RecordModelCacheHit(service string) {
	ModelCacheHits.WithLabelValues(service).Inc()
}

func RecordModelCacheMiss(service string) {
	ModelCacheMisses.WithLabelValues(service).Inc()
}

func RecordModelFetch(service, result string) {
	ModelFetches.WithLabelValues(service, result).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func SetConversationGroups(n int) {
	ConversationGroups.Set(float64(n))
}

func InitInstanceMetrics(version string) {
	InstanceInfo.WithLabelValues(version).Set(1)
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}

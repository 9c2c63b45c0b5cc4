package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("deepseek", "deepseek-chat", "sync", "success", 1.5)
	RecordRequest("deepseek", "deepseek-chat", "sync", "error", 0.5)
	RecordRequest("deepseek", "deepseek-chat", "stream", "success", 2.0)

	tests := []struct {
		mode, status string
		want         float64
	}{
		{"sync", "success", 1},
		{"sync", "error", 1},
		{"stream", "success", 1},
		{"stream", "error", 0},
	}

	for _, tt := range tests {
		got := testutil.ToFloat64(RequestsTotal.WithLabelValues("deepseek", "deepseek-chat", tt.mode, tt.status))
		if got != tt.want {
			t.Errorf("RequestsTotal{%s,%s} = %v, want %v", tt.mode, tt.status, got, tt.want)
		}
	}
}

func TestRecordTokens(t *testing.T) {
	TokensTotal.Reset()

	RecordTokens("openai", "gpt-4", 100, 50)

	prompt := testutil.ToFloat64(TokensTotal.WithLabelValues("openai", "gpt-4", "prompt"))
	if prompt != 100 {
		t.Errorf("prompt tokens = %v, want 100", prompt)
	}

	completion := testutil.ToFloat64(TokensTotal.WithLabelValues("openai", "gpt-4", "completion"))
	if completion != 50 {
		t.Errorf("completion tokens = %v, want 50", completion)
	}
}

func TestModelCacheCounters(t *testing.T) {
	ModelCacheHits.Reset()
	ModelCacheMisses.Reset()
	ModelFetches.Reset()

	RecordModelCacheHit("openai")
	RecordModelCacheHit("openai")
	RecordModelCacheMiss("qianwen")
	RecordModelFetch("qianwen", "fallback")

	if hits := testutil.ToFloat64(ModelCacheHits.WithLabelValues("openai")); hits != 2 {
		t.Errorf("ModelCacheHits = %v, want 2", hits)
	}
	if misses := testutil.ToFloat64(ModelCacheMisses.WithLabelValues("qianwen")); misses != 1 {
		t.Errorf("ModelCacheMisses = %v, want 1", misses)
	}
	if fetches := testutil.ToFloat64(ModelFetches.WithLabelValues("qianwen", "fallback")); fetches != 1 {
		t.Errorf("ModelFetches = %v, want 1", fetches)
	}
}

func TestRecordProviderError(t *testing.T) {
	ProviderErrors.Reset()

	RecordProviderError("openai", "provider_call")
	RecordProviderError("openai", "circuit_open")
	RecordProviderError("openai", "provider_call")

	if calls := testutil.ToFloat64(ProviderErrors.WithLabelValues("openai", "provider_call")); calls != 2 {
		t.Errorf("provider_call errors = %v, want 2", calls)
	}
	if open := testutil.ToFloat64(ProviderErrors.WithLabelValues("openai", "circuit_open")); open != 1 {
		t.Errorf("circuit_open errors = %v, want 1", open)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	CircuitBreakerState.Reset()

	SetCircuitBreakerState("openai", 0)
	if state := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("openai")); state != 0 {
		t.Errorf("CircuitBreakerState = %v, want 0", state)
	}

	SetCircuitBreakerState("openai", 1)
	if state := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("openai")); state != 1 {
		t.Errorf("CircuitBreakerState = %v, want 1", state)
	}
}

func TestActiveStreams(t *testing.T) {
	ActiveStreams.Set(0)

	IncrementActiveStreams()
	IncrementActiveStreams()

	if streams := testutil.ToFloat64(ActiveStreams); streams != 2 {
		t.Errorf("ActiveStreams = %v, want 2", streams)
	}

	DecrementActiveStreams()
	if streams := testutil.ToFloat64(ActiveStreams); streams != 1 {
		t.Errorf("ActiveStreams after dec = %v, want 1", streams)
	}
}

func TestConversationGroups(t *testing.T) {
	SetConversationGroups(3)
	if groups := testutil.ToFloat64(ConversationGroups); groups != 3 {
		t.Errorf("ConversationGroups = %v, want 3", groups)
	}
}

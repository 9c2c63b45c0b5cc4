//go:build integration

package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felipepmaragno/chatbridge/internal/api"
	"github.com/felipepmaragno/chatbridge/internal/cache"
	"github.com/felipepmaragno/chatbridge/internal/chat"
	"github.com/felipepmaragno/chatbridge/internal/config"
	"github.com/felipepmaragno/chatbridge/internal/domain"
	"github.com/felipepmaragno/chatbridge/internal/models"
	"github.com/felipepmaragno/chatbridge/internal/provider"
)

// newVendor serves the OpenAI-compatible chat and model endpoints.
func newVendor(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
			Stream bool `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		last := req.Messages[len(req.Messages)-1].Content

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, word := range []string{"you ", "said ", last} {
				data, _ := json.Marshal(map[string]any{
					"choices": []map[string]any{{"delta": map[string]string{"content": word}}},
				})
				fmt.Fprintf(w, "data: %s\n\n", data)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}

		json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "test-model",
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": "you said " + last},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 3, "total_tokens": 6},
		})
	})
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "test-model"}, {"id": "a-model"}},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func setupTestHandler(t *testing.T) (*api.Handler, *config.Store) {
	t.Helper()

	vendor := newVendor(t)

	store := config.NewStore(filepath.Join(t.TempDir(), "ai_config.json"),
		config.WithEnv(func(string) string { return "" }))
	if err := store.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg, _ := store.ProviderConfig(domain.ProviderDeepSeek)
	cfg.APIKey = "sk-test"
	cfg.BaseURL = vendor.URL + "/v1"
	if err := store.SetProviderConfig(domain.ProviderDeepSeek, cfg); err != nil {
		t.Fatalf("SetProviderConfig() error = %v", err)
	}

	clients := provider.NewManager()
	resolver := models.NewResolver(cache.NewInMemoryCache(cache.DefaultTTL))
	conversations := chat.NewManager(store, clients, chat.WithModelResolver(resolver))
	t.Cleanup(conversations.Close)

	return api.NewHandler(api.HandlerConfig{
		Conversations: conversations,
		Store:         store,
		Clients:       clients,
		Checkers:      []api.HealthChecker{api.NewStoreHealthChecker(store)},
		Version:       "test",
	}), store
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConversationRoundTrip(t *testing.T) {
	handler, _ := setupTestHandler(t)

	rec := post(t, handler, "/v1/groups/g1/messages", `{"message":"hello","stream":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"reply":"you said hello"`) {
		t.Errorf("unexpected reply: %s", rec.Body.String())
	}

	req := httptest.NewRequest("GET", "/v1/groups/g1/history", nil)
	hist := httptest.NewRecorder()
	handler.ServeHTTP(hist, req)

	var resp struct {
		Messages []domain.Message `json:"messages"`
	}
	json.NewDecoder(hist.Body).Decode(&resp)
	if len(resp.Messages) != 3 {
		t.Fatalf("expected system, user, assistant; got %+v", resp.Messages)
	}
}

func TestConversationStream(t *testing.T) {
	handler, _ := setupTestHandler(t)

	rec := post(t, handler, "/v1/groups/g2/messages", `{"message":"hi","stream":true}`)
	body := rec.Body.String()

	if !strings.Contains(body, `data: {"content":"you "}`) || !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("unexpected stream: %q", body)
	}
}

func TestDisabledProvider(t *testing.T) {
	handler, _ := setupTestHandler(t)

	rec := post(t, handler, "/v1/groups/g1/messages", `{"message":"hi","provider":"openai","stream":false}`)
	if !strings.Contains(rec.Body.String(), "provider openai is not configured or disabled") {
		t.Errorf("unexpected reply: %s", rec.Body.String())
	}
}

func TestModelsEndpoint(t *testing.T) {
	handler, _ := setupTestHandler(t)

	req := httptest.NewRequest("GET", "/v1/providers/deepseek/models", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `"models":["a-model","test-model"]`) {
		t.Errorf("expected live sorted models, got %s", rec.Body.String())
	}
}

func TestProviderTestEndpoint(t *testing.T) {
	handler, _ := setupTestHandler(t)

	rec := post(t, handler, "/v1/providers/test", "")
	body := rec.Body.String()
	if !strings.Contains(body, `"deepseek":{"success":true`) {
		t.Errorf("expected deepseek success, got %s", body)
	}
	if !strings.Contains(body, `"gemini":{"success":false`) {
		t.Errorf("expected gemini disabled, got %s", body)
	}
}

func TestResetPersists(t *testing.T) {
	handler, store := setupTestHandler(t)

	rec := post(t, handler, "/v1/settings/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if cfg, _ := store.ProviderConfig(domain.ProviderDeepSeek); cfg.APIKey != "" {
		t.Errorf("expected credential cleared by reset, got %q", cfg.APIKey)
	}

	rec = post(t, handler, "/v1/groups/g1/messages", `{"message":"hi","stream":false}`)
	if !strings.Contains(rec.Body.String(), "not configured or disabled") {
		t.Errorf("expected deepseek unusable after reset, got %s", rec.Body.String())
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/chatbridge/internal/circuitbreaker"
	"github.com/felipepmaragno/chatbridge/internal/config"
	"github.com/felipepmaragno/chatbridge/internal/domain"
	"github.com/felipepmaragno/chatbridge/internal/ratelimit"
	"github.com/felipepmaragno/chatbridge/internal/telemetry"
)

// Conversations is the conversation manager as seen by the HTTP layer.
type Conversations interface {
	Reply(ctx context.Context, message, group string, id domain.ProviderID) string
	ReplyStream(ctx context.Context, message, group string, id domain.ProviderID, onFragment func(string)) <-chan string
	History(group string) []domain.Message
	ClearHistory(group string)
	ClearAllHistories()
	TestConnections(ctx context.Context) map[domain.ProviderID]domain.ConnectionResult
	AvailableProviders() []domain.ProviderID
	AvailableModels(ctx context.Context, id domain.ProviderID) ([]string, error)
}

// SettingsStore is the mutable configuration store.
type SettingsStore interface {
	Settings() domain.Settings
	StreamEnabled() bool
	ProviderConfig(id domain.ProviderID) (domain.ProviderConfig, bool)
	SetProviderConfig(id domain.ProviderID, cfg domain.ProviderConfig) error
	SetCredential(id domain.ProviderID, value string) error
	ResetToDefaults() error
}

// Clients lets the handler drop cached provider clients after a config change.
type Clients interface {
	Invalidate(id domain.ProviderID)
	CloseAll()
	BreakerStates() map[domain.ProviderID]circuitbreaker.State
}

type HandlerConfig struct {
	Conversations Conversations
	Store         SettingsStore
	Clients       Clients
	RateLimiter   ratelimit.Limiter // optional, per group
	Checkers      []HealthChecker
	CheckTimeout  time.Duration
	Version       string
}

type Handler struct {
	conversations Conversations
	store         SettingsStore
	clients       Clients
	rateLimiter   ratelimit.Limiter
	checkers      []HealthChecker
	checkTimeout  time.Duration
	version       string
	mux           *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}

	h := &Handler{
		conversations: cfg.Conversations,
		store:         cfg.Store,
		clients:       cfg.Clients,
		rateLimiter:   cfg.RateLimiter,
		checkers:      cfg.Checkers,
		checkTimeout:  checkTimeout,
		version:       cfg.Version,
		mux:           http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/groups/{group}/messages", h.handleMessage)
	h.mux.HandleFunc("GET /v1/groups/{group}/history", h.handleGetHistory)
	h.mux.HandleFunc("DELETE /v1/groups/{group}/history", h.handleClearHistory)
	h.mux.HandleFunc("DELETE /v1/groups", h.handleClearAll)

	h.mux.HandleFunc("GET /v1/providers", h.handleListProviders)
	h.mux.HandleFunc("POST /v1/providers/test", h.handleTestProviders)
	h.mux.HandleFunc("GET /v1/providers/{provider}/models", h.handleListModels)
	h.mux.HandleFunc("PUT /v1/providers/{provider}", h.handleUpdateProvider)
	h.mux.HandleFunc("PUT /v1/providers/{provider}/credential", h.handleSetCredential)

	h.mux.HandleFunc("GET /v1/settings", h.handleGetSettings)
	h.mux.HandleFunc("POST /v1/settings/reset", h.handleResetSettings)
	h.mux.HandleFunc("GET /v1/prompts", h.handleListPrompts)
	h.mux.HandleFunc("GET /v1/recommendations", h.handleRecommendations)

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	ctx := telemetry.ExtractHTTP(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := telemetry.StartSpan(ctx, "http.request", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	telemetry.AddRequestAttributes(span, r.Method, r.URL.Path, requestID)

	h.mux.ServeHTTP(w, r.WithContext(withRequestID(ctx, requestID)))
}

type MessageRequest struct {
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
	Stream   *bool  `json:"stream,omitempty"`
}

type MessageResponse struct {
	Reply string `json:"reply"`
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")

	if !h.allow(w, r, group) {
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	stream := h.store.StreamEnabled()
	if req.Stream != nil {
		stream = *req.Stream
	}

	id := domain.ProviderID(req.Provider)
	if stream {
		h.streamMessage(w, r, group, req.Message, id)
		return
	}

	reply := h.conversations.Reply(r.Context(), req.Message, group, id)

	slog.Info("message handled",
		"request_id", requestIDFrom(r.Context()),
		"group", group,
		"provider", req.Provider,
	)
	writeJSON(w, http.StatusOK, MessageResponse{Reply: reply})
}

// allow applies the per-group rate limit. Limiter failures let the request
// through.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, group string) bool {
	if h.rateLimiter == nil {
		return true
	}

	decision, err := h.rateLimiter.Allow(r.Context(), group)
	if err != nil {
		slog.Error("rate limiter error", "error", err, "request_id", requestIDFrom(r.Context()))
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", decision.ResetAt.Format(time.RFC3339))

	if !decision.Allowed {
		slog.Warn("rate limit exceeded", "group", group, "request_id", requestIDFrom(r.Context()))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (h *Handler) streamMessage(w http.ResponseWriter, r *http.Request, group, message string, id domain.ProviderID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	fragments := h.conversations.ReplyStream(ctx, message, group, id, nil)
	for fragment := range fragments {
		data, _ := json.Marshal(map[string]string{"content": fragment})
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			slog.Warn("stream write failed", "request_id", requestIDFrom(r.Context()), "error", err)
			cancel()
			for range fragments {
			}
			return
		}
		flusher.Flush()
	}

	if ctx.Err() != nil {
		return
	}
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	writeJSON(w, http.StatusOK, map[string]any{
		"group":    group,
		"messages": h.conversations.History(group),
	})
}

func (h *Handler) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	h.conversations.ClearHistory(r.PathValue("group"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleClearAll(w http.ResponseWriter, r *http.Request) {
	h.conversations.ClearAllHistories()
	w.WriteHeader(http.StatusNoContent)
}

type ProviderView struct {
	ID            domain.ProviderID `json:"id"`
	Enabled       bool              `json:"enabled"`
	HasCredential bool              `json:"has_credential"`
	APIKey        string            `json:"api_key,omitempty"`
	BaseURL       string            `json:"base_url"`
	Model         string            `json:"model"`
	Temperature   float64           `json:"temperature"`
	MaxTokens     int               `json:"max_tokens"`
	Timeout       int               `json:"timeout"`
	Proxy         *domain.Proxy     `json:"proxy,omitempty"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty"`
	Breaker       string            `json:"circuit_breaker,omitempty"`
}

func providerView(id domain.ProviderID, cfg domain.ProviderConfig) ProviderView {
	return ProviderView{
		ID:            id,
		Enabled:       cfg.Enabled,
		HasCredential: cfg.APIKey != "",
		APIKey:        maskKey(cfg.APIKey),
		BaseURL:       cfg.BaseURL,
		Model:         cfg.Model,
		Temperature:   cfg.Temperature,
		MaxTokens:     cfg.MaxTokens,
		Timeout:       cfg.Timeout,
		Proxy:         cfg.Proxy,
		CustomHeaders: cfg.CustomHeaders,
	}
}

func (h *Handler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	settings := h.store.Settings()
	states := h.clients.BreakerStates()

	views := make([]ProviderView, 0, len(domain.Providers))
	for _, id := range domain.Providers {
		cfg, ok := settings.Providers[id]
		if !ok {
			continue
		}
		view := providerView(id, cfg)
		if state, ok := states[id]; ok {
			view.Breaker = state.String()
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"default":   settings.DefaultProvider,
		"available": h.conversations.AvailableProviders(),
		"providers": views,
	})
}

func (h *Handler) handleTestProviders(w http.ResponseWriter, r *http.Request) {
	results := h.conversations.TestConnections(r.Context())

	out := make(map[string]domain.ConnectionResult, len(results))
	for id, result := range results {
		out[string(id)] = result
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	id, ok := h.providerParam(w, r)
	if !ok {
		return
	}

	models, err := h.conversations.AvailableModels(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": id,
		"models":   models,
	})
}

// handleUpdateProvider merges the body into the current provider config, so
// fields absent from the body are kept.
func (h *Handler) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := h.providerParam(w, r)
	if !ok {
		return
	}

	cfg, _ := h.store.ProviderConfig(id)
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if cfg.Timeout < 0 || cfg.MaxTokens < 0 {
		writeError(w, http.StatusBadRequest, "timeout and max_tokens must not be negative")
		return
	}

	if err := h.store.SetProviderConfig(id, cfg); err != nil {
		writeStoreError(w, err)
		return
	}
	h.clients.Invalidate(id)

	slog.Info("provider updated", "request_id", requestIDFrom(r.Context()), "provider", id)

	updated, _ := h.store.ProviderConfig(id)
	writeJSON(w, http.StatusOK, providerView(id, updated))
}

type CredentialRequest struct {
	APIKey string `json:"api_key"`
}

func (h *Handler) handleSetCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := h.providerParam(w, r)
	if !ok {
		return
	}

	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.store.SetCredential(id, req.APIKey); err != nil {
		writeStoreError(w, err)
		return
	}
	h.clients.Invalidate(id)

	slog.Info("credential updated", "request_id", requestIDFrom(r.Context()), "provider", id)
	w.WriteHeader(http.StatusNoContent)
}

type SettingsView struct {
	Enabled          bool                               `json:"enabled"`
	DefaultProvider  domain.ProviderID                  `json:"default_provider"`
	StreamEnabled    bool                               `json:"stream_enabled"`
	SystemPrompt     string                             `json:"system_prompt"`
	MaxHistoryLength int                                `json:"max_history_length"`
	AutoClearHistory bool                               `json:"auto_clear_history"`
	Providers        map[domain.ProviderID]ProviderView `json:"providers"`
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewSettingsView(h.store.Settings()))
}

// NewSettingsView renders settings with every credential masked.
func NewSettingsView(s domain.Settings) SettingsView {
	view := SettingsView{
		Enabled:          s.Enabled,
		DefaultProvider:  s.DefaultProvider,
		StreamEnabled:    s.StreamEnabled,
		SystemPrompt:     s.SystemPrompt,
		MaxHistoryLength: s.MaxHistoryLength,
		AutoClearHistory: s.AutoClearHistory,
		Providers:        make(map[domain.ProviderID]ProviderView, len(s.Providers)),
	}
	for id, cfg := range s.Providers {
		view.Providers[id] = providerView(id, cfg)
	}
	return view
}

func (h *Handler) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ResetToDefaults(); err != nil {
		writeStoreError(w, err)
		return
	}
	h.clients.CloseAll()

	slog.Info("settings reset to defaults", "request_id", requestIDFrom(r.Context()))
	writeJSON(w, http.StatusOK, NewSettingsView(h.store.Settings()))
}

func (h *Handler) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"prompts": config.PresetPrompts()})
}

func (h *Handler) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	task := r.URL.Query().Get("task")
	if task == "" {
		task = "chat"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":   task,
		"models": config.RecommendedModels(task),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	states := h.clients.BreakerStates()

	breakers := make(map[string]string, len(states))
	status := "healthy"
	for id, state := range states {
		breakers[string(id)] = state.String()
		if state == circuitbreaker.StateOpen {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"version":          h.version,
		"providers":        h.conversations.AvailableProviders(),
		"circuit_breakers": breakers,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) providerParam(w http.ResponseWriter, r *http.Request) (domain.ProviderID, bool) {
	id, err := domain.ParseProviderID(r.PathValue("provider"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return id, true
}

// maskKey keeps enough of a credential to tell keys apart.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("store operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}

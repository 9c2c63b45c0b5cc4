// Package chat orchestrates conversation turns: it resolves the provider,
// keeps per-group history and turns every failure into displayable text.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/chatbridge/internal/circuitbreaker"
	"github.com/felipepmaragno/chatbridge/internal/domain"
	"github.com/felipepmaragno/chatbridge/internal/metrics"
	"github.com/felipepmaragno/chatbridge/internal/models"
	"github.com/felipepmaragno/chatbridge/internal/provider"
	"github.com/felipepmaragno/chatbridge/internal/telemetry"
)

const (
	unavailableFormat = "provider %s is not configured or disabled"
	callFailedFormat  = "AI call failed: %v"
	noResultMessage   = "AI returned no usable result, please try again later"
)

// Settings is the read side of the configuration store.
type Settings interface {
	PromptSource
	ProviderConfig(id domain.ProviderID) (domain.ProviderConfig, bool)
	DefaultProvider() domain.ProviderID
	EnabledProviders() []domain.ProviderID
	Settings() domain.Settings
	AutoClearHistory() bool
}

// Clients is the provider client manager.
type Clients interface {
	Get(id domain.ProviderID, cfg domain.ProviderConfig) (provider.Client, error)
	TestAll(ctx context.Context, configs map[domain.ProviderID]domain.ProviderConfig) map[domain.ProviderID]domain.ConnectionResult
	CloseAll()
	Breaker(id domain.ProviderID) *circuitbreaker.CircuitBreaker
}

type ModelResolver interface {
	Resolve(ctx context.Context, credential, endpoint string, timeout time.Duration) []string
}

type Manager struct {
	settings Settings
	clients  Clients
	models   ModelResolver
	history  *History
}

type Option func(*Manager)

func WithModelResolver(r ModelResolver) Option {
	return func(m *Manager) {
		m.models = r
	}
}

func NewManager(settings Settings, clients Clients, opts ...Option) *Manager {
	m := &Manager{
		settings: settings,
		clients:  clients,
		history:  NewHistory(settings),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// turn is a validated provider selection, ready to call.
type turn struct {
	requestID string
	group     string
	id        domain.ProviderID
	cfg       domain.ProviderConfig
	client    provider.Client
	breaker   *circuitbreaker.CircuitBreaker
}

// prepare resolves and validates the provider. On failure it returns the
// text to show instead of a reply; history is not touched.
func (m *Manager) prepare(group string, id domain.ProviderID) (*turn, string) {
	if id == "" {
		id = m.settings.DefaultProvider()
	}

	cfg, ok := m.settings.ProviderConfig(id)
	if !ok || !cfg.Usable() {
		return nil, fmt.Sprintf(unavailableFormat, id)
	}

	breaker := m.clients.Breaker(id)
	if err := breaker.Allow(); err != nil {
		metrics.RecordProviderError(string(id), "circuit_open")
		return nil, fmt.Sprintf(callFailedFormat, err)
	}

	client, err := m.clients.Get(id, cfg)
	if err != nil {
		return nil, fmt.Sprintf(callFailedFormat, err)
	}

	return &turn{
		requestID: uuid.NewString(),
		group:     group,
		id:        id,
		cfg:       cfg,
		client:    client,
		breaker:   breaker,
	}, ""
}

func (m *Manager) request(t *turn, stream bool) domain.ChatRequest {
	return domain.ChatRequest{
		Model:       t.cfg.Model,
		Messages:    m.history.Get(t.group),
		Temperature: t.cfg.Temperature,
		MaxTokens:   t.cfg.MaxTokens,
		Stream:      stream,
	}
}

// complete records a finished assistant turn.
func (m *Manager) complete(t *turn, reply string) {
	m.history.Add(t.group, domain.RoleAssistant, reply)
	if m.settings.AutoClearHistory() {
		m.history.Clear(t.group)
	}
}

func (m *Manager) fail(ctx context.Context, t *turn, mode string, start time.Time, err error) string {
	t.breaker.RecordFailure()
	metrics.RecordProviderError(string(t.id), "provider_call")
	metrics.RecordRequest(string(t.id), t.cfg.Model, mode, "error", time.Since(start).Seconds())
	slog.Error("provider call failed",
		"request_id", t.requestID,
		"trace_id", telemetry.TraceID(ctx),
		"group", t.group,
		"provider", t.id,
		"error", err,
	)
	return fmt.Sprintf(callFailedFormat, err)
}

// Reply runs one blocking turn on group and returns the text to display.
// It never fails: every problem is reported as the returned text.
func (m *Manager) Reply(ctx context.Context, message, group string, id domain.ProviderID) string {
	unlock, err := m.history.lockTurn(ctx, group)
	if err != nil {
		return fmt.Sprintf(callFailedFormat, err)
	}
	defer unlock()

	t, failure := m.prepare(group, id)
	if t == nil {
		return failure
	}

	ctx, span := telemetry.StartSpan(ctx, "chat.reply")
	defer span.End()
	telemetry.AddTurnAttributes(span, group, string(t.id), t.cfg.Model, t.requestID)

	m.history.Add(group, domain.RoleUser, message)

	start := time.Now()
	resp, err := t.client.ChatCompletion(ctx, m.request(t, false))
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		if ctx.Err() != nil {
			// Cancelled by the caller, not a provider failure.
			metrics.RecordRequest(string(t.id), t.cfg.Model, "sync", "abandoned", time.Since(start).Seconds())
			slog.Info("reply abandoned", "request_id", t.requestID, "group", group, "error", ctx.Err())
			return fmt.Sprintf(callFailedFormat, err)
		}
		return m.fail(ctx, t, "sync", start, err)
	}
	t.breaker.RecordSuccess()

	if resp.Usage != nil {
		metrics.RecordTokens(string(t.id), t.cfg.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		telemetry.AddTokenAttributes(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	reply := strings.TrimSpace(resp.Content())
	if reply == "" {
		metrics.RecordRequest(string(t.id), t.cfg.Model, "sync", "empty", time.Since(start).Seconds())
		slog.Warn("provider returned no content", "request_id", t.requestID, "provider", t.id)
		return noResultMessage
	}

	m.complete(t, reply)
	metrics.RecordRequest(string(t.id), t.cfg.Model, "sync", "success", time.Since(start).Seconds())
	slog.Info("reply completed",
		"request_id", t.requestID,
		"trace_id", telemetry.TraceID(ctx),
		"group", group,
		"provider", t.id,
		"model", t.cfg.Model,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return reply
}

// ReplyStream runs one streaming turn on group. Failures arrive as a single
// descriptive fragment. The assistant turn is recorded only when the stream
// is exhausted while ctx is still live; a consumer that stops reading early
// must cancel ctx, and no assistant turn is recorded then. The group's turn
// lock is held until the returned channel is closed, so a consumer that stops
// reading without cancelling blocks every later turn on that group.
func (m *Manager) ReplyStream(ctx context.Context, message, group string, id domain.ProviderID, onFragment func(string)) <-chan string {
	out := make(chan string)

	go func() {
		defer close(out)

		emit := func(s string) bool {
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}

		unlock, err := m.history.lockTurn(ctx, group)
		if err != nil {
			return
		}
		defer unlock()

		t, failure := m.prepare(group, id)
		if t == nil {
			emit(failure)
			return
		}

		m.stream(ctx, t, message, onFragment, emit)
	}()

	return out
}

func (m *Manager) stream(ctx context.Context, t *turn, message string, onFragment func(string), emit func(string) bool) {
	ctx, span := telemetry.StartSpan(ctx, "chat.reply_stream")
	defer span.End()
	telemetry.AddTurnAttributes(span, t.group, string(t.id), t.cfg.Model, t.requestID)

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	m.history.Add(t.group, domain.RoleUser, message)

	// Cancelling on return stops the client if we exit before it does.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	fragments, errs := t.client.ChatCompletionStream(ctx, m.request(t, true), onFragment)

	var full strings.Builder
	count := 0
	for fragment := range fragments {
		if ctx.Err() != nil {
			break
		}
		full.WriteString(fragment)
		count++
		if !emit(fragment) {
			break
		}
	}
	telemetry.AddFragmentAttribute(span, count)

	if ctx.Err() != nil {
		slog.Info("stream abandoned", "request_id", t.requestID, "group", t.group, "fragments", count)
		metrics.RecordRequest(string(t.id), t.cfg.Model, "stream", "abandoned", time.Since(start).Seconds())
		return
	}

	if err := <-errs; err != nil {
		telemetry.AddErrorAttribute(span, err)
		emit(m.fail(ctx, t, "stream", start, err))
		return
	}
	t.breaker.RecordSuccess()

	reply := full.String()
	if strings.TrimSpace(reply) == "" {
		metrics.RecordRequest(string(t.id), t.cfg.Model, "stream", "empty", time.Since(start).Seconds())
		emit(noResultMessage)
		return
	}

	m.complete(t, reply)
	metrics.RecordRequest(string(t.id), t.cfg.Model, "stream", "success", time.Since(start).Seconds())
	slog.Info("stream completed",
		"request_id", t.requestID,
		"trace_id", telemetry.TraceID(ctx),
		"group", t.group,
		"provider", t.id,
		"fragments", count,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// TestConnections probes every configured provider.
func (m *Manager) TestConnections(ctx context.Context) map[domain.ProviderID]domain.ConnectionResult {
	return m.clients.TestAll(ctx, m.settings.Settings().Providers)
}

func (m *Manager) AvailableProviders() []domain.ProviderID {
	return m.settings.EnabledProviders()
}

// AvailableModels lists the models a provider offers. Without a resolver,
// or for gemini whose catalog is fixed, the static catalog is returned.
func (m *Manager) AvailableModels(ctx context.Context, id domain.ProviderID) ([]string, error) {
	cfg, ok := m.settings.ProviderConfig(id)
	if !ok {
		return nil, domain.ErrProviderNotFound
	}

	if id == domain.ProviderGemini {
		return models.Defaults(models.ServiceGemini), nil
	}
	if m.models == nil {
		return models.Defaults(models.DetectService(cfg.BaseURL)), nil
	}
	return m.models.Resolve(ctx, cfg.APIKey, cfg.BaseURL, cfg.TimeoutDuration()), nil
}

func (m *Manager) History(group string) []domain.Message {
	return m.history.Get(group)
}

func (m *Manager) Groups() []string {
	return m.history.Groups()
}

func (m *Manager) ClearHistory(group string) {
	m.history.Clear(group)
}

func (m *Manager) ClearAllHistories() {
	m.history.ClearAll()
}

func (m *Manager) Close() {
	m.clients.CloseAll()
}

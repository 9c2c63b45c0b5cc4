package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/felipepmaragno/chatbridge/internal/cache"
	"github.com/felipepmaragno/chatbridge/internal/httputil"
	"github.com/felipepmaragno/chatbridge/internal/metrics"
	"github.com/felipepmaragno/chatbridge/internal/telemetry"
)

var errEmptyCatalog = errors.New("empty model list")

// Resolver looks up the models an endpoint offers. Live results are cached;
// every failure falls back to a static catalog, so Resolve never fails.
type Resolver struct {
	cache  cache.ModelCache
	client *http.Client
}

type ResolverOption func(*Resolver)

func WithHTTPClient(client *http.Client) ResolverOption {
	return func(r *Resolver) {
		r.client = client
	}
}

func NewResolver(c cache.ModelCache, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		cache:  c,
		client: httputil.NewClient(httputil.DefaultConfig()),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (r *Resolver) Resolve(ctx context.Context, credential, endpoint string, timeout time.Duration) []string {
	service := DetectService(endpoint)
	if credential == "" || endpoint == "" {
		return Defaults(service)
	}

	ctx, span := telemetry.StartSpan(ctx, "models.resolve")
	defer span.End()

	key := cache.Key(credential, endpoint)
	if models, ok := r.cache.Get(ctx, key); ok {
		metrics.RecordModelCacheHit(service)
		telemetry.AddDiscoveryAttributes(span, service, "cache", len(models))
		return models
	}
	metrics.RecordModelCacheMiss(service)

	models, err := r.Fetch(ctx, credential, endpoint, timeout)
	if err != nil {
		slog.Warn("model discovery failed, using defaults",
			"service", service,
			"endpoint", endpoint,
			"error", err,
		)
		metrics.RecordModelFetch(service, "fallback")
		fallback := Defaults(service)
		telemetry.AddDiscoveryAttributes(span, service, "fallback", len(fallback))
		return fallback
	}
	metrics.RecordModelFetch(service, "live")
	telemetry.AddDiscoveryAttributes(span, service, "live", len(models))

	if err := r.cache.Set(ctx, key, models); err != nil {
		slog.Warn("failed to cache model list", "endpoint", endpoint, "error", err)
	}

	return models
}

// Fetch performs the live GET {endpoint}/v1/models call. An empty catalog is
// reported as an error.
func (r *Resolver) Fetch(ctx context.Context, credential, endpoint string, timeout time.Duration) ([]string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, NormalizeEndpoint(endpoint)+"/models", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+credential)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("models error: status=%d body=%s", resp.StatusCode, string(body))
	}

	var modelsResp modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	ids := make([]string, 0, len(modelsResp.Data))
	for _, m := range modelsResp.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return nil, errEmptyCatalog
	}

	slices.Sort(ids)
	return ids, nil
}

func (r *Resolver) ClearCache(ctx context.Context) error {
	return r.cache.Clear(ctx)
}

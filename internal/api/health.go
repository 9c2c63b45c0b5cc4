package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthChecker probes one dependency for /health/ready.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func (r CheckResult) ok() bool { return r.Status == "ok" }

// RedisHealthChecker pings the Redis instance shared by the model cache and
// the rate limiter.
type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(redisURL string) (*RedisHealthChecker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisHealthCheckerWithClient(redis.NewClient(opts)), nil
}

func NewRedisHealthCheckerWithClient(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string { return "redis" }

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisHealthChecker) Close() error {
	return c.client.Close()
}

// StoreHealthChecker reports the outcome of the last configuration load or save.
type StoreHealthChecker struct {
	store interface{ LastError() error }
}

func NewStoreHealthChecker(store interface{ LastError() error }) *StoreHealthChecker {
	return &StoreHealthChecker{store: store}
}

func (c *StoreHealthChecker) Name() string { return "config_store" }

func (c *StoreHealthChecker) Check(ctx context.Context) error {
	return c.store.LastError()
}

// probe runs one checker, giving up when ctx expires even if the checker
// itself ignores ctx.
func probe(ctx context.Context, c HealthChecker) CheckResult {
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- c.Check(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = errors.New("check timed out")
	}

	result := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
	}
	return result
}

func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make([]CheckResult, len(checkers))

	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = probe(ctx, c)
		}()
	}
	wg.Wait()

	byName := make(map[string]CheckResult, len(checkers))
	for i, c := range checkers {
		byName[c.Name()] = results[i]
	}
	return byName
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	status := HealthStatus{
		Status:  "ready",
		Checks:  runHealthChecks(ctx, h.checkers),
		Version: h.version,
	}

	code := http.StatusOK
	for _, result := range status.Checks {
		if !result.ok() {
			status.Status = "not_ready"
			code = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, code, status)
}

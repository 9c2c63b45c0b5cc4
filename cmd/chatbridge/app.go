package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/felipepmaragno/chatbridge/internal/cache"
	"github.com/felipepmaragno/chatbridge/internal/chat"
	"github.com/felipepmaragno/chatbridge/internal/config"
	"github.com/felipepmaragno/chatbridge/internal/crypto"
	"github.com/felipepmaragno/chatbridge/internal/models"
	"github.com/felipepmaragno/chatbridge/internal/provider"
	"github.com/felipepmaragno/chatbridge/internal/ratelimit"
	"github.com/felipepmaragno/chatbridge/internal/secrets"
)

// app holds the wired components shared by every command.
type app struct {
	cfg           *config.Config
	store         *config.Store
	clients       *provider.Manager
	modelCache    cache.ModelCache
	resolver      *models.Resolver
	conversations *chat.Manager
	closers       []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	var storeOpts []config.StoreOption
	if cfg.EncryptionKey != "" {
		sealer, err := crypto.NewSealer(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
		storeOpts = append(storeOpts, config.WithSealer(sealer))
	}

	a.store = config.NewStore(cfg.ConfigFile, storeOpts...)
	if err := a.store.Load(); err != nil {
		// the store keeps its previous (default) settings
		slog.Warn("using default configuration", "path", cfg.ConfigFile, "error", err)
	}

	if cfg.CredentialsSecret != "" {
		if err := a.loadSecretCredentials(ctx); err != nil {
			slog.Warn("failed to load credentials from secrets manager", "secret", cfg.CredentialsSecret, "error", err)
		}
	}

	a.modelCache = a.newModelCache()
	a.resolver = models.NewResolver(a.modelCache)
	a.clients = provider.NewManager()
	a.conversations = chat.NewManager(a.store, a.clients, chat.WithModelResolver(a.resolver))

	return a, nil
}

func (a *app) loadSecretCredentials(ctx context.Context) error {
	sm, err := secrets.NewAWSSecretsManager(ctx, a.cfg.AWSRegion)
	if err != nil {
		return err
	}

	credentials, err := secrets.LoadCredentials(ctx, sm, a.cfg.CredentialsSecret)
	if err != nil {
		return err
	}

	a.store.ApplyCredentials(credentials)
	slog.Info("credentials loaded from secrets manager", "providers", len(credentials))
	return nil
}

func (a *app) newModelCache() cache.ModelCache {
	if a.cfg.RedisURL == "" {
		slog.Debug("using in-memory model cache")
		return cache.NewInMemoryCache(a.cfg.ModelCacheTTL)
	}

	redisCache, err := cache.NewRedisCache(a.cfg.RedisURL, a.cfg.ModelCacheTTL)
	if err != nil {
		slog.Warn("failed to connect to redis for model cache, using in-memory", "error", err)
		return cache.NewInMemoryCache(a.cfg.ModelCacheTTL)
	}

	a.closers = append(a.closers, redisCache.Close)
	slog.Info("using redis model cache")
	return redisCache
}

// newRateLimiter returns nil when RATE_LIMIT_RPM is not positive.
func (a *app) newRateLimiter() ratelimit.Limiter {
	rpm := a.cfg.RateLimitRPM
	if rpm <= 0 {
		return nil
	}

	if a.cfg.RedisURL != "" {
		limiter, err := ratelimit.NewRedisLimiter(a.cfg.RedisURL, rpm, ratelimit.DefaultWindow)
		if err == nil {
			a.closers = append(a.closers, limiter.Close)
			slog.Info("using redis rate limiter", "rpm", rpm)
			return limiter
		}
		slog.Warn("failed to connect to redis for rate limiting, using in-memory", "error", err)
	}

	slog.Info("using in-memory rate limiter", "rpm", rpm)
	return ratelimit.NewInMemoryLimiter(rpm, ratelimit.DefaultWindow)
}

func (a *app) Close() error {
	a.conversations.Close()

	var errs []error
	for _, closeFn := range a.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}

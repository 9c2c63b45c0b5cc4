package provider

import (
	"context"
	"log/slog"
	"sync"

	"github.com/felipepmaragno/chatbridge/internal/circuitbreaker"
	"github.com/felipepmaragno/chatbridge/internal/domain"
	"github.com/felipepmaragno/chatbridge/internal/metrics"
)

const notUsableMessage = "not enabled or missing API key"

// Manager caches one client per provider. A cached client is not rebuilt when
// the provider's configuration changes; call Invalidate for that.
type Manager struct {
	mu       sync.RWMutex
	clients  map[domain.ProviderID]Client
	factory  Factory
	breakers *circuitbreaker.Manager
}

type ManagerOption func(*Manager)

func WithFactory(f Factory) ManagerOption {
	return func(m *Manager) {
		m.factory = f
	}
}

func WithBreakers(b *circuitbreaker.Manager) ManagerOption {
	return func(m *Manager) {
		m.breakers = b
	}
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		clients: make(map[domain.ProviderID]Client),
		factory: New,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.breakers == nil {
		m.breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig(),
			circuitbreaker.WithStateHook(func(id domain.ProviderID, s circuitbreaker.State) {
				metrics.SetCircuitBreakerState(string(id), int(s))
			}))
	}

	return m
}

// Get returns the cached client for id, building it from cfg on first use.
func (m *Manager) Get(id domain.ProviderID, cfg domain.ProviderConfig) (Client, error) {
	m.mu.RLock()
	client, ok := m.clients[id]
	m.mu.RUnlock()

	if ok {
		return client, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.clients[id]; ok {
		return existing, nil
	}

	client, err := m.factory(id, cfg)
	if err != nil {
		return nil, err
	}
	m.clients[id] = client
	return client, nil
}

// Invalidate closes and drops the cached client for id, if any.
func (m *Manager) Invalidate(id domain.ProviderID) {
	m.mu.Lock()
	client, ok := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()

	if ok {
		client.Close()
	}
}

// TestAll probes every provider in configs with a short-lived client.
// Providers that are disabled or have no credential are reported without
// touching the network.
func (m *Manager) TestAll(ctx context.Context, configs map[domain.ProviderID]domain.ProviderConfig) map[domain.ProviderID]domain.ConnectionResult {
	results := make(map[domain.ProviderID]domain.ConnectionResult, len(configs))

	for _, id := range domain.Providers {
		cfg, ok := configs[id]
		if !ok {
			continue
		}

		if !cfg.Usable() {
			results[id] = domain.ConnectionResult{Success: false, Error: notUsableMessage}
			continue
		}

		results[id] = m.testOne(ctx, id, cfg)
	}

	return results
}

func (m *Manager) testOne(ctx context.Context, id domain.ProviderID, cfg domain.ProviderConfig) domain.ConnectionResult {
	client, err := m.factory(id, cfg)
	if err != nil {
		return domain.ConnectionResult{Success: false, Error: err.Error()}
	}
	defer client.Close()

	result := client.TestConnection(ctx)
	if !result.Success {
		slog.Warn("connection test failed", "provider", id, "error", result.Error)
	}
	return result
}

// CloseAll closes and forgets every cached client.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[domain.ProviderID]Client)
	m.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

func (m *Manager) Breaker(id domain.ProviderID) *circuitbreaker.CircuitBreaker {
	return m.breakers.Get(id)
}

func (m *Manager) BreakerStates() map[domain.ProviderID]circuitbreaker.State {
	return m.breakers.States()
}

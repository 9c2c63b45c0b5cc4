// Package circuitbreaker stops calling a provider that keeps failing.
//
// States:
//   - Closed: normal operation, calls pass through
//   - Open: provider unhealthy, calls fail immediately
//   - Half-Open: testing recovery, calls pass until the outcome is known
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/felipepmaragno/chatbridge/internal/domain"
)

// State represents the current state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing fast
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           // Failures before opening
	SuccessThreshold int           // Successes to close from half-open
	Timeout          time.Duration // Time before transitioning to half-open
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
	now         func() time.Time
	onChange    func(State)
}

func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

// Allow returns ErrCircuitBreakerOpen while the breaker is open and the
// cool-down has not elapsed. The first call after the cool-down moves the
// breaker to half-open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}

	if cb.now().Sub(cb.lastFailure) > cb.config.Timeout {
		cb.successes = 0
		cb.setState(StateHalfOpen)
		return nil
	}
	return domain.ErrCircuitBreakerOpen
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.failures = 0
			cb.successes = 0
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.successes = 0
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successes = 0
	cb.setState(StateClosed)
}

// caller holds cb.mu
func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	cb.state = s
	if cb.onChange != nil {
		cb.onChange(s)
	}
}

// Manager owns one circuit breaker per provider.
type Manager struct {
	mu       sync.RWMutex
	breakers map[domain.ProviderID]*CircuitBreaker
	config   Config
	onChange func(domain.ProviderID, State)
}

type ManagerOption func(*Manager)

// WithStateHook is called on every state transition, e.g. to export the
// state as a metric.
func WithStateHook(fn func(domain.ProviderID, State)) ManagerOption {
	return func(m *Manager) {
		m.onChange = fn
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[domain.ProviderID]*CircuitBreaker),
		config:   cfg,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Get returns the circuit breaker for a provider, creating one if it doesn't exist.
func (m *Manager) Get(id domain.ProviderID) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[id]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[id]; ok {
		return existing
	}

	cb = New(m.config)
	if m.onChange != nil {
		hook := m.onChange
		cb.onChange = func(s State) { hook(id, s) }
		hook(id, StateClosed)
	}
	m.breakers[id] = cb
	return cb
}

// States returns the current state of every breaker created so far.
func (m *Manager) States() map[domain.ProviderID]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[domain.ProviderID]State, len(m.breakers))
	for id, cb := range m.breakers {
		states[id] = cb.State()
	}
	return states
}

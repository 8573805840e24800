// Package circuitbreaker fails fast when an upstream provider is unhealthy
// instead of holding connections against a dead endpoint.
//
// States:
//   - Closed: normal operation
//   - Open: failing fast
//   - Half-Open: testing recovery with limited requests
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/harborlabs/chatgate/internal/domain"
	"github.com/harborlabs/chatgate/internal/metrics"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes to close from half-open
	Timeout          time.Duration // open duration before half-open
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

type Breaker struct {
	mu          sync.Mutex
	name        string
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
	onOpen      func(name string)
}

func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, state: StateClosed, config: cfg}
}

// Allow reports whether a request may pass. Returns
// domain.ErrCircuitBreakerOpen while the circuit is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.lastFailure) > b.config.Timeout {
			b.setState(StateHalfOpen)
			b.successes = 0
			return nil
		}
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
			if b.onOpen != nil {
				// Notified off the lock path; re-opens from half-open stay
				// silent, the provider was already reported down.
				go b.onOpen(b.name)
			}
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		b.successes = 0
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s State) {
	b.state = s
	metrics.SetCircuitBreakerState(b.name, int(s))
}

// Manager hands out one breaker per provider family.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
	onOpen   func(provider string)
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// NotifyOnOpen registers a callback invoked in its own goroutine whenever a
// breaker transitions from closed to open. Call before serving traffic.
func (m *Manager) NotifyOnOpen(fn func(provider string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOpen = fn
}

func (m *Manager) Get(provider string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[provider]
	if !ok {
		b = New(provider, m.config)
		b.onOpen = m.onOpen
		m.breakers[provider] = b
	}
	return b
}

func (m *Manager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]string, len(m.breakers))
	for name, b := range m.breakers {
		states[name] = b.State().String()
	}
	return states
}

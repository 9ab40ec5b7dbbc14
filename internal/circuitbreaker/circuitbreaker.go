// Package circuitbreaker stops a delivery channel from being called while its
// downstream keeps failing.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is a breaker state.
//
//	closed -> open       after MaxFailures consecutive failures
//	open -> half-open    once RecoveryTimeout has passed
//	half-open -> closed  when a probe succeeds
//	half-open -> open    when a probe fails
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

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures one breaker.
type Config struct {
	// Name is the delivery channel the breaker guards.
	Name string

	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

// DefaultConfig returns a breaker that opens after 5 failures and probes
// again after 30 seconds.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker counts consecutive failures of one downstream.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state            State
	failures         int
	halfOpenRequests int
	openedAt         time.Time
	changedAt        time.Time

	requests  int64
	rejected  int64
	succeeded int64
	failed    int64
}

// New creates a closed breaker. Zero config fields take DefaultConfig values.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	return &CircuitBreaker{
		config:    cfg,
		logger:    logger.With(zap.String("breaker", cfg.Name)),
		now:       time.Now,
		state:     StateClosed,
		changedAt: time.Now(),
	}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Execute runs fn unless the breaker is open, and records its outcome.
// Context cancellation by the caller is not counted as a downstream failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.Allow() {
		return fmt.Errorf("%s: %w", cb.config.Name, ErrCircuitOpen)
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		cb.release()
	default:
		cb.RecordFailure()
	}
	return err
}

// Allow reports whether a call may proceed. A true result in half-open state
// reserves one probe slot, so every Allow must be followed by a Record call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.RecoveryTimeout {
			cb.rejected++
			return false
		}
		cb.transitionTo(StateHalfOpen)
		cb.halfOpenRequests = 1
		cb.logger.Info("circuit breaker probing")
		return true

	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			return true
		}
		cb.rejected++
		return false
	}
	return false
}

// RecordSuccess closes a half-open breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.succeeded++
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed")
	}
}

// RecordFailure counts a failure, opening the breaker at MaxFailures or
// immediately when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failed++
	cb.failures++

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.open()
			cb.logger.Warn("circuit breaker opened",
				zap.Int("failures", cb.failures),
				zap.Int("threshold", cb.config.MaxFailures),
			)
		}
	case StateHalfOpen:
		cb.open()
		cb.logger.Warn("circuit breaker re-opened after failed probe")
	}
}

// release gives back a half-open probe slot without recording an outcome.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a monitoring snapshot.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	Failures        int    `json:"failures"`
	Requests        int64  `json:"requests"`
	Rejected        int64  `json:"rejected"`
	Succeeded       int64  `json:"succeeded"`
	Failed          int64  `json:"failed"`
	LastStateChange string `json:"last_state_change"`
}

// Stats returns current counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		Requests:        cb.requests,
		Rejected:        cb.rejected,
		Succeeded:       cb.succeeded,
		Failed:          cb.failed,
		LastStateChange: cb.changedAt.UTC().Format(time.RFC3339),
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failures = 0
	cb.logger.Info("circuit breaker reset")
}

func (cb *CircuitBreaker) open() {
	cb.transitionTo(StateOpen)
	cb.openedAt = cb.now()
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.changedAt = cb.now()
	cb.halfOpenRequests = 0

	cb.logger.Debug("circuit breaker state change",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.failures, cb.config.MaxFailures)
}

// Group holds one breaker per name, created on first use.
type Group struct {
	mu       sync.Mutex
	defaults Config
	logger   *zap.Logger
	breakers map[string]*CircuitBreaker
}

// NewGroup creates breakers from defaults, with Name replaced per breaker.
func NewGroup(defaults Config, logger *zap.Logger) *Group {
	return &Group{
		defaults: defaults,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name.
func (g *Group) Get(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[name]; ok {
		return cb
	}
	cfg := g.defaults
	cfg.Name = name
	cb := New(cfg, g.logger)
	g.breakers[name] = cb
	return cb
}

// Stats returns a snapshot of every breaker, sorted by name.
func (g *Group) Stats() []Stats {
	g.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		breakers = append(breakers, cb)
	}
	g.mu.Unlock()

	out := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

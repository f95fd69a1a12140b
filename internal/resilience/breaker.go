// Package resilience provides the fault-tolerance primitives wrapped
// around handler invocations: circuit breaking, retry with exponential
// backoff, and hard timeouts.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// CircuitOpenError is returned when a breaker rejects a call without
// invoking the wrapped operation. Callers recover via fallback.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open", e.Name)
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

func (c *BreakerConfig) applyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Breaker is a per-resource circuit breaker. Closed passes calls
// through and counts failures; open rejects immediately until the
// cooldown elapses; half-open admits a bounded number of probe calls
// until enough consecutive successes close it again, any failure
// reopening it.
// State is mutated only by Call; callers never touch it directly.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	probes       int
	openedAt     time.Time
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	cfg.applyDefaults()
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// State reports the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.Timeout {
		return StateHalfOpen
	}
	return b.state
}

// Call runs op under the breaker. While open it returns a
// *CircuitOpenError without invoking op.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cfg.Timeout {
			return &CircuitOpenError{Name: b.name}
		}
		b.state = StateHalfOpen
		b.successCount = 0
		b.probes = 0
		slog.Info("circuit half-open", "name", b.name)
	}
	if b.state == StateHalfOpen {
		// At most SuccessThreshold probes may be in flight at once.
		if b.probes >= b.cfg.SuccessThreshold {
			return &CircuitOpenError{Name: b.name}
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		// A single failure during probing reopens the circuit.
		b.trip()
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			slog.Info("circuit closed", "name", b.name)
		}
	}
}

// trip moves to open and restarts the cooldown. Must hold mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.successCount = 0
	b.probes = 0
	slog.Warn("circuit opened", "name", b.name, "failures", b.failureCount)
}

// Registry holds named breakers, created lazily on first use. A
// process-wide Default exists for convenience at the composition root;
// components under test should carry their own instance.
type Registry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

func NewRegistry(cfg BreakerConfig) *Registry {
	cfg.applyDefaults()
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Default is the package-level registry used when no explicit one is
// wired in.
var Default = NewRegistry(BreakerConfig{})

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// ResetAll discards every breaker, returning them to closed on next
// use. Intended for test isolation.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*Breaker)
}

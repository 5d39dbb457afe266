// Package resilience guards the transport handshake against failing
// endpoints. A [Breaker] per endpoint remembers recent handshake failures,
// and [TransportFallback] walks the configured endpoints in order, skipping
// those whose breaker is open.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Allow] while the breaker rejects
// calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout has elapsed.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
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

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults noted.
type BreakerConfig struct {
	// Name labels the breaker in log records, usually the endpoint URL.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes that close the breaker
	// again. Default: 1.
	HalfOpenMax int

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	now func() time.Time
}

// Breaker is a three-state circuit breaker. The caller asks [Breaker.Allow]
// before a call and then reports the outcome with exactly one of
// [Breaker.Success], [Breaker.Failure] or [Breaker.Cancel].
//
// Breaker is safe for concurrent use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger
	now          func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int // in flight while half-open
	successes int // while half-open
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		log:          cfg.Logger.With("breaker", cfg.Name),
		now:          cfg.now,
	}
}

// Allow returns nil if a call may proceed and [ErrCircuitOpen] otherwise.
// An open breaker turns half-open once the reset timeout has passed; while
// half-open at most HalfOpenMax probes are in flight.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes, b.successes = 0, 0
		b.log.Info("circuit breaker half-open")
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.halfOpenMax {
			return ErrCircuitOpen
		}
		b.probes++
	}
	return nil
}

// Success records a call that succeeded.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probes--
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.state = StateClosed
			b.failures = 0
			b.log.Info("circuit breaker closed")
		}
	case StateClosed:
		b.failures = 0
	}
}

// Failure records a call that failed. A failed probe re-opens the breaker at
// once.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probes--
		b.trip()
	case StateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
	}
}

// Cancel records a call that ended without an outcome, such as a handshake
// abandoned because the session was stopped. It counts neither way.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.log.Warn("circuit breaker opened", "consecutive_failures", b.failures)
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures, b.probes, b.successes = 0, 0, 0
}

// Package circuitbreaker guards the chain RPC provider. A run of consecutive
// failures opens the circuit so calls fail fast instead of burning retry
// budget against a dead endpoint; after a cooling-off period probe calls are
// let through until the provider proves itself healthy again.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/polclau/relayer-node/internal/metrics"
)

// ErrOpen is returned by Allow while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit open: rpc provider unhealthy")

// State of the circuit. The numeric values feed the breaker-state gauge.
type State int

const (
	StateClosed   State = iota // provider healthy, calls pass
	StateOpen                  // provider down, calls fail fast
	StateHalfOpen              // cooling off over, probing
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultOpenTimeout      = 30 * time.Second
)

// Config tunes the breaker. Zero values take the defaults above.
type Config struct {
	// FailureThreshold is the run of consecutive failures that opens the
	// circuit. Result-ceiling refusals never reach the breaker; see the
	// chain client.
	FailureThreshold int
	// SuccessThreshold is the number of probe successes in half-open
	// needed to close again.
	SuccessThreshold int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
}

// Breaker tracks provider health across all RPC methods. One instance guards
// one provider; the keeper talks to exactly one.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	lastFailureAt    time.Time
	logger           *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaultSuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
		logger:           logger.With("component", "breaker"),
	}
}

// Allow reports whether a call may proceed. An open circuit whose timeout has
// elapsed flips to half-open and lets the call through as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		if time.Since(b.lastFailureAt) <= b.openTimeout {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
	}
	return nil
}

// RecordSuccess resets the failure run and, in half-open, counts the probe
// toward closing.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.setState(StateClosed)
		}
	}
}

// RecordFailure extends the failure run. In half-open a single failed probe
// reopens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.successCount = 0
	b.lastFailureAt = time.Now()
	if b.state == StateHalfOpen {
		b.setState(StateOpen)
	} else if b.state == StateClosed && b.failureCount >= b.failureThreshold {
		b.setState(StateOpen)
	}
}

// GetState returns the current state, flipping an expired open circuit to
// half-open first so callers never observe a stale open.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailureAt) > b.openTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

// setState transitions, logs, and publishes the gauge. Caller holds the lock.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successCount = 0
	if to == StateClosed {
		b.failureCount = 0
	}
	metrics.RPCBreakerState.Set(float64(to))
	b.logger.Warn("rpc breaker state change", "from", from.String(), "to", to.String())
}

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

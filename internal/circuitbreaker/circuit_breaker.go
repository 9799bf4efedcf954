// Package circuitbreaker guards every Redis round-trip the gateway makes
// (§4.1): once a board's Redis dependency starts failing, trip the breaker
// so in-flight goroutines fail fast instead of piling up on a dead backend,
// then probe it back open once it recovers.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one of the three states a breaker can be in.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitBreakerOpen means a Redis call was rejected without even
	// reaching the client because the breaker has already tripped.
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests means the half-open probe budget for this
	// generation is exhausted; callers should back off rather than pile on
	// more trial requests.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config tunes one breaker instance. See config.go for the board-sync
// defaults loaded from CB_REDIS_* environment variables.
type Config struct {
	// MaxRequests caps how many trial calls are allowed while half-open.
	MaxRequests uint32
	// Interval resets the closed-state failure counter on a rolling basis;
	// zero disables the reset and counts failures forever while closed.
	Interval time.Duration
	// Timeout is how long the breaker stays open before allowing a probe.
	Timeout time.Duration
	// FailureThreshold is the consecutive-failure count, while closed, that
	// trips the breaker open.
	FailureThreshold uint32
	// SuccessThreshold is the consecutive-success count, while half-open,
	// needed to close the breaker again.
	SuccessThreshold uint32
	// OnStateChange, if set, fires synchronously on every transition; the
	// Redis wrapper uses it to keep the metrics collector in sync.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns conservative defaults; GetRedisConfig in config.go
// is what's actually wired into NewRedisWrapper.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts is a snapshot of one generation's request/success/failure tally.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker is a single named breaker instance. RedisWrapper holds
// exactly one, shared across every gateway call.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// NewCircuitBreaker builds a breaker that starts closed.
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// Execute runs fn if the breaker permits a call right now, and records the
// outcome against the breaker's state machine. A panic inside fn is counted
// as a failure and re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	generation, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.record(generation, false)
			panic(r)
		}
	}()

	callErr := fn()
	cb.record(generation, callErr == nil)
	return callErr
}

// State reports the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts reports the current generation's tally.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// admit decides whether a call may proceed, advancing state/generation
// lazily based on elapsed time first.
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.refresh(now)

	switch {
	case state == StateOpen:
		return generation, ErrCircuitBreakerOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests:
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

// record folds one call's outcome into the breaker, provided the breaker
// hasn't already moved on to a newer generation while the call was in
// flight (in which case the outcome no longer applies to anything).
func (cb *CircuitBreaker) record(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, current := cb.refresh(now)
	if current != generation {
		return
	}

	if success {
		cb.recordSuccess(state, now)
	} else {
		cb.recordFailure(state, now)
	}
}

// refresh advances state based on elapsed time: a closed breaker past its
// Interval starts a fresh counting window, an open breaker past its Timeout
// becomes half-open for a probe. Callers must hold cb.mu.
func (cb *CircuitBreaker) refresh(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.nextGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.transition(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) recordSuccess(state State, now time.Time) {
	cb.counts.TotalSuccesses++
	switch state {
	case StateClosed:
		cb.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		cb.counts.ConsecutiveSuccesses++
		if cb.counts.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) recordFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.TotalFailures++
		cb.counts.ConsecutiveFailures++
		if cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		cb.counts.TotalFailures++
		cb.transition(StateOpen, now)
	}
}

// transition moves to a new state, starts a fresh generation, and notifies
// the configured callback and logger. Callers must hold cb.mu.
func (cb *CircuitBreaker) transition(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.nextGeneration(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}

	cb.logger.Info("redis circuit breaker state changed",
		zap.String("breaker", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

// nextGeneration zeroes the counters and sets the new state's expiry.
// Callers must hold cb.mu.
func (cb *CircuitBreaker) nextGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	var zero time.Time
	switch cb.state {
	case StateClosed:
		if cb.config.Interval == 0 {
			cb.expiry = zero
		} else {
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	default: // StateHalfOpen has no expiry; it waits on MaxRequests probes.
		cb.expiry = zero
	}
}

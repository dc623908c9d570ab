package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/ratify/internal/clock"
)

// ErrBreakerOpen is returned while a sink's breaker rejects deliveries.
var ErrBreakerOpen = errors.New("notification sink circuit breaker is open")

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets deliveries through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects deliveries until the cool-down passes.
	BreakerOpen
	// BreakerHalfOpen lets probe deliveries through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips after consecutive delivery failures and probes the sink
// again after a cool-down. It is safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	clock            clock.Clock
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	onChange         func(BreakerState)
}

// NewBreaker creates a breaker. Non-positive arguments take defaults of 5
// failures, 2 successes and a 30s cool-down.
func NewBreaker(failureThreshold, successThreshold int, cooldown time.Duration, clk clock.Clock) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Breaker{
		clock:            clk,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
}

// OnChange registers fn to be called with each new state.
func (b *Breaker) OnChange(fn func(BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow returns ErrBreakerOpen when deliveries should be skipped.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.successes = 0
		b.transition(BreakerHalfOpen)
	}
	return nil
}

// Record feeds the outcome of a delivery into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case BreakerClosed:
			b.failures = 0
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= b.successThreshold {
				b.failures, b.successes = 0, 0
				b.transition(BreakerClosed)
			}
		}
		return
	}

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.open()
		}
	case BreakerHalfOpen:
		b.open()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open() {
	b.openedAt = b.clock.Now()
	b.successes = 0
	b.transition(BreakerOpen)
}

// transition must be called with the lock held.
func (b *Breaker) transition(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/accredit/internal/config"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets trial calls through.
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

// ErrCircuitOpen is returned by Allow while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// minErrorRateSamples is the number of calls a window needs before its error
// rate can trip the breaker.
const minErrorRateSamples = 10

// Breaker trips on consecutive failures or on the error rate inside a
// tumbling window. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	coolDown         time.Duration
	rateThreshold    float64
	rateWindow       time.Duration

	windowStart    time.Time
	windowTotal    int
	windowFailures int

	now      func() time.Time
	onChange func(BreakerState)
}

// NewBreaker creates a breaker from configuration. Zero thresholds fall back
// to 5 failures, 2 successes and a 30s cool-down.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	b := &Breaker{
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		coolDown:         cfg.Timeout,
		rateThreshold:    cfg.ErrorRateThreshold,
		rateWindow:       cfg.ErrorRateWindow,
		now:              time.Now,
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 5
	}
	if b.successThreshold < 1 {
		b.successThreshold = 2
	}
	if b.coolDown <= 0 {
		b.coolDown = 30 * time.Second
	}
	b.windowStart = b.now()
	return b
}

// OnStateChange registers fn to be called after every state change. fn runs
// with the breaker lock held and must not call back into the breaker.
func (b *Breaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow returns ErrCircuitOpen when calls must not be attempted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	if b.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.countCall(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.failures = 0
			b.successes = 0
			b.resetWindow()
			b.setState(BreakerClosed)
		}
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.countCall(true)
		if b.failures >= b.failureThreshold || b.rateExceeded() {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// ErrorRate returns the failure ratio and call count of the current window.
func (b *Breaker) ErrorRate() (rate float64, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetWindow()
	if b.windowTotal == 0 {
		return 0, 0
	}
	return float64(b.windowFailures) / float64(b.windowTotal), b.windowTotal
}

// The helpers below must be called with the lock held.

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.successes = 0
	b.resetWindow()
	b.setState(BreakerOpen)
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.coolDown {
		b.successes = 0
		b.setState(BreakerHalfOpen)
	}
}

func (b *Breaker) countCall(failed bool) {
	if b.rateWindow <= 0 {
		return
	}
	b.maybeResetWindow()
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) maybeResetWindow() {
	if b.rateWindow > 0 && b.now().Sub(b.windowStart) > b.rateWindow {
		b.resetWindow()
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.rateThreshold <= 0 || b.rateWindow <= 0 || b.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.rateThreshold
}

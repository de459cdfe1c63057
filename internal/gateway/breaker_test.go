package gateway

import (
	"testing"
	"time"

	"github.com/pitabwire/accredit/internal/config"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg config.CircuitBreakerConfig) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	b := NewBreaker(cfg)
	b.now = clock.now
	b.windowStart = clock.now()
	return b, clock
}

func TestBreaker_opensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Second})

	b.Failure()
	b.Failure()
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state after 2 failures = %v, want closed", s)
	}
	b.Failure()
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state after 3 failures = %v, want open", s)
	}
	if err := b.Allow(); err != ErrCircuitOpen {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_successResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestBreaker_halfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})

	b.Failure()
	clock.advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after cool-down = %v, want nil", err)
	}
	if s := b.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}

	b.Success()
	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 trial call = %v, want half-open", s)
	}
	b.Success()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 trial calls = %v, want closed", s)
	}
}

func TestBreaker_halfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	b.Failure()
	clock.advance(2 * time.Second)
	_ = b.Allow()
	b.Failure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestBreaker_errorRateTrips(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	// Alternate so consecutive failures never reach the threshold.
	for i := 0; i < 9; i++ {
		if i%2 == 0 {
			b.Failure()
		} else {
			b.Success()
		}
	}
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state below min samples = %v, want closed", s)
	}
	b.Failure() // 10 calls, 6 failures
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestBreaker_errorRateWindowExpires(t *testing.T) {
	b, clock := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	for i := 0; i < 4; i++ {
		b.Failure()
		b.Success()
	}
	if _, total := b.ErrorRate(); total != 8 {
		t.Fatalf("window total = %d, want 8", total)
	}
	clock.advance(2 * time.Minute)
	if rate, total := b.ErrorRate(); total != 0 || rate != 0 {
		t.Errorf("ErrorRate after window = (%v, %d), want (0, 0)", rate, total)
	}
}

func TestBreaker_onStateChange(t *testing.T) {
	b, clock := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second})
	var seen []BreakerState
	b.OnStateChange(func(s BreakerState) { seen = append(seen, s) })

	b.Failure()
	clock.advance(time.Second)
	_ = b.Allow()
	b.Success()

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerOpen:      "open",
		BreakerHalfOpen:  "half-open",
		BreakerState(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}

func TestNewBreaker_defaults(t *testing.T) {
	b := NewBreaker(config.CircuitBreakerConfig{})
	if b.failureThreshold != 5 || b.successThreshold != 2 || b.coolDown != 30*time.Second {
		t.Errorf("defaults = %d/%d/%v", b.failureThreshold, b.successThreshold, b.coolDown)
	}
}

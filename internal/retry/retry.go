// Package retry is the single retry policy shared by every outbound call:
// a bounded number of attempts, an exponential backoff curve and a
// predicate deciding which errors are worth another attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/pitabwire/accredit/internal/config"
)

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration

	// Retryable reports whether err deserves another attempt. Nil uses
	// IsRetryable.
	Retryable func(error) bool

	// OnRetry is called before each wait. Optional.
	OnRetry func(err error, wait time.Duration)
}

// Default returns the standard policy: 3 attempts, 200ms doubling to a 2s cap.
func Default() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     2 * time.Second,
	}
}

// FromConfig builds a policy from service configuration, filling zero values
// from Default.
func FromConfig(cfg config.RetryConfig) Policy {
	p := Default()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BackoffInitial > 0 {
		p.InitialInterval = cfg.BackoffInitial
	}
	if cfg.BackoffMultiplier > 0 {
		p.Multiplier = cfg.BackoffMultiplier
	}
	if cfg.BackoffMax > 0 {
		p.MaxInterval = cfg.BackoffMax
	}
	return p
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 0.2
	return b
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts
// run out or ctx ends. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(p.OnRetry))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

// StatusError reports an unexpected HTTP status from an external service.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.StatusCode, e.Body)
}

// Temporary reports whether the status signals a transient condition.
func (e *StatusError) Temporary() bool {
	return IsRetryableStatus(e.StatusCode)
}

// IsRetryableStatus reports whether an HTTP status is worth retrying:
// timeouts, rate limits and server errors.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500 && code != http.StatusNotImplemented
}

// IsRetryable is the default predicate. Network failures, timeouts and
// transient HTTP statuses are retryable; caller cancellation and everything
// else are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

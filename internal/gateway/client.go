// Package gateway holds the clients for the external collaborators: the
// e-signature provider, the tax-id and professional-license oracles and the
// geocoder. Every call goes through a per-service circuit breaker, an
// optional outbound rate limit and the shared retry policy.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pitabwire/accredit/internal/config"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/internal/retry"
	"github.com/pitabwire/accredit/model"
)

const maxResponseBytes = 1 << 20

// Recorder receives call metrics. observability.Metrics implements it.
type Recorder interface {
	RecordProviderCall(service, outcome string, d time.Duration)
	RecordProviderRetry(service string)
	SetProviderCircuitState(service string, state float64)
	RecordCacheResult(cache string, hit bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordProviderCall(string, string, time.Duration) {}
func (nopRecorder) RecordProviderRetry(string)                       {}
func (nopRecorder) SetProviderCircuitState(string, float64)          {}
func (nopRecorder) RecordCacheResult(string, bool)                   {}

// RejectedError is a definitive refusal from a collaborator: a 4xx response
// that retrying cannot change.
type RejectedError struct {
	Service    string
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected the request (%d): %s", e.Service, e.StatusCode, e.Reason)
}

// Client is a JSON-over-HTTP client for one external service.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *Breaker
	limiter *rate.Limiter
	policy  retry.Policy
	logger  *zap.Logger
	metrics Recorder
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithRetryPolicy overrides the policy built from configuration.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// NewClient creates a client for the named service.
func NewClient(name string, cfg config.ServiceConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  config.Secret(cfg.APIKeyEnv),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewBreaker(cfg.CircuitBreaker),
		policy:  retry.FromConfig(cfg.Retry),
		logger:  zap.NewNop(),
		metrics: nopRecorder{},
	}
	if cfg.RateLimit.PerSecond > 0 {
		burst := cfg.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker.OnStateChange(func(s BreakerState) {
		c.metrics.SetProviderCircuitState(c.name, float64(s))
	})
	return c
}

// Name returns the service name used in errors and metrics.
func (c *Client) Name() string { return c.name }

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Do sends in as JSON (when non-nil) and decodes a 2xx body into out (when
// non-nil). Failures that survive the retry policy are reported as
// PROVIDER_UNAVAILABLE; a 4xx answer is returned as *RejectedError.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	ctx, span := observability.StartSpan(ctx, "gateway."+c.name,
		observability.AttrService.String(c.name),
	)

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			observability.EndSpanWithError(span, err)
			return fmt.Errorf("%s: marshal request: %w", c.name, err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	policy := c.policy
	policy.OnRetry = func(err error, wait time.Duration) {
		c.metrics.RecordProviderRetry(c.name)
		observability.RequestLogger(ctx, c.logger).Debug("retrying provider call",
			zap.String("service", c.name),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	_, err := retry.Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.once(ctx, method, target, body, out)
	})
	err = c.classify(err)
	observability.EndSpanWithError(span, err)
	return err
}

func (c *Client) once(ctx context.Context, method, target string, body []byte, out any) error {
	if err := c.breaker.Allow(); err != nil {
		c.metrics.RecordProviderCall(c.name, "circuit_open", 0)
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limit: %w", c.name, err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.name, err)
	}
	c.setHeaders(ctx, req, body != nil)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Failure()
		c.metrics.RecordProviderCall(c.name, "error", time.Since(start))
		return fmt.Errorf("%s: %w", c.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.Failure()
		c.metrics.RecordProviderCall(c.name, "error", time.Since(start))
		return fmt.Errorf("%s: read response: %w", c.name, err)
	}
	c.metrics.RecordProviderCall(c.name, statusClass(resp.StatusCode), time.Since(start))

	switch {
	case resp.StatusCode >= 500:
		c.breaker.Failure()
	case resp.StatusCode < 400:
		// 4xx answers are the caller's problem, not the service's.
		c.breaker.Success()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &retry.StatusError{Service: c.name, StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", c.name, err)
		}
	}
	return nil
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+sanitizeHeader(c.apiKey))
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	observability.InjectTraceHeaders(ctx, req.Header)
}

// classify maps the final error of a call onto the error taxonomy.
func (c *Client) classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var statusErr *retry.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode < 500 && !statusErr.Temporary() {
		return &RejectedError{
			Service:    c.name,
			StatusCode: statusErr.StatusCode,
			Reason:     rejectionReason(statusErr.Body, statusErr.StatusCode),
		}
	}
	return model.NewProviderUnavailableError(c.name).WithCause(err)
}

// rejectionReason extracts a human-readable reason from an error body.
func rejectionReason(body string, status int) string {
	var parsed map[string]any
	if json.Unmarshal([]byte(body), &parsed) == nil {
		for _, key := range []string{"message", "reason", "error"} {
			if s, ok := parsed[key].(string); ok && s != "" {
				return s
			}
		}
	}
	if body = strings.TrimSpace(body); body != "" {
		return truncate(body, 200)
	}
	return http.StatusText(status)
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// sanitizeHeader strips CR and LF to prevent header injection.
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

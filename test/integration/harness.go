// Package integration runs the full accredit HTTP stack in-process: real JWT
// verification against a JWKS endpoint, Redis-backed cache and change feed on
// miniredis, and mock external providers.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/accreditation"
	"github.com/pitabwire/accredit/internal/application"
	"github.com/pitabwire/accredit/internal/audit"
	"github.com/pitabwire/accredit/internal/cache"
	"github.com/pitabwire/accredit/internal/capability"
	"github.com/pitabwire/accredit/internal/changefeed"
	"github.com/pitabwire/accredit/internal/config"
	"github.com/pitabwire/accredit/internal/contract"
	"github.com/pitabwire/accredit/internal/decision"
	"github.com/pitabwire/accredit/internal/docstore"
	"github.com/pitabwire/accredit/internal/gateway"
	"github.com/pitabwire/accredit/internal/idempotency"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/internal/openapi"
	"github.com/pitabwire/accredit/internal/sanction"
	"github.com/pitabwire/accredit/internal/store"
	"github.com/pitabwire/accredit/internal/transport"
	"github.com/pitabwire/accredit/internal/webhook"
	"github.com/pitabwire/accredit/model"
)

// WebhookSecret is the shared secret the harness verifies callbacks with.
const WebhookSecret = "integration-secret"

// Mock provider names.
const (
	Signing   = "signing"
	TaxID     = "tax_id"
	License   = "license"
	Geocoding = "geocoding"
)

// TestHarness is a running accredit server with its collaborators.
type TestHarness struct {
	t *testing.T

	Store  *store.MemoryStore
	Redis  *miniredis.Miniredis
	Config *config.Config

	backends map[string]*MockBackend
	issuer   *tokenIssuer
	server   *httptest.Server
}

// HarnessOption configures a TestHarness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	breaker        config.CircuitBreakerConfig
	retryAttempts  int
	handlerTimeout time.Duration
}

// WithCircuitBreaker sets the breaker used by every provider client.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = cb }
}

// WithRetryAttempts sets how many attempts provider calls get.
func WithRetryAttempts(n int) HarnessOption {
	return func(c *harnessConfig) { c.retryAttempts = n }
}

// WithHandlerTimeout sets the per-request handler deadline.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// NewTestHarness wires the server the way accreditd does and starts it.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		retryAttempts:  1,
		handlerTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(hc)
	}

	h := &TestHarness{
		t:        t,
		backends: make(map[string]*MockBackend),
	}
	logger := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Step 1: Identity provider and configuration.
	h.issuer = newTokenIssuer(t)

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.Issuer = h.issuer.Issuer()
	cfg.Identity.Audience = h.issuer.Audience()
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.Webhook.SecretEnv = ""
	h.Config = cfg

	// Step 2: Mock providers.
	for _, name := range []string{Signing, TaxID, License, Geocoding} {
		h.backends[name] = newMockBackend(t, name)
	}
	service := func(name string, base config.ServiceConfig) config.ServiceConfig {
		base.BaseURL = h.backends[name].URL()
		base.Timeout = 5 * time.Second
		base.RateLimit = config.RateLimitConfig{}
		base.CircuitBreaker = hc.breaker
		base.Retry = config.RetryConfig{
			MaxAttempts:       hc.retryAttempts,
			BackoffInitial:    time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        5 * time.Millisecond,
		}
		return base
	}
	cfg.Integrations.Signing = service(Signing, cfg.Integrations.Signing)
	cfg.Integrations.TaxID = service(TaxID, cfg.Integrations.TaxID)
	cfg.Integrations.License = service(License, cfg.Integrations.License)
	cfg.Integrations.Geocoding = service(Geocoding, cfg.Integrations.Geocoding)

	// Step 3: Storage, cache and change feed.
	h.Store = store.NewMemoryStore()
	h.Redis = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { rdb.Close() })

	kv := cache.NewRedis(rdb, cfg.Cache.KeyPrefix)
	hub := changefeed.NewHub(cfg.ChangeFeed.Buffer)
	feed := changefeed.NewRedisFeed(rdb, cfg.ChangeFeed.Channel, hub, logger)
	if err := feed.Start(ctx); err != nil {
		t.Fatalf("start change feed: %v", err)
	}
	docs := docstore.NewMemory()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	// Step 4: Provider clients.
	client := func(name string, sc config.ServiceConfig) *gateway.Client {
		return gateway.NewClient(name, sc, gateway.WithLogger(logger), gateway.WithRecorder(metrics))
	}
	signer := gateway.NewSigningClient(client(Signing, cfg.Integrations.Signing))
	validator := gateway.NewIDValidator(
		client(TaxID, cfg.Integrations.TaxID), client(License, cfg.Integrations.License),
		kv, cfg.Integrations.TaxID.CacheTTL, cfg.Integrations.License.CacheTTL, logger, metrics,
	)
	geocoder := gateway.NewGeocoder(client(Geocoding, cfg.Integrations.Geocoding),
		kv, cfg.Integrations.Geocoding.CacheTTL, logger, metrics)

	// Step 5: Domain services.
	sink := audit.NewSink(h.Store, feed, logger, metrics)
	templates, err := contract.LoadTemplates("")
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	providers := accreditation.NewService(h.Store, geocoder, sink, logger, cfg.Certificates)
	coordinator := contract.NewCoordinator(h.Store, docs, templates, signer, providers, sink, metrics, logger, cfg.Contracts)
	receiver := webhook.NewReceiver(webhook.NewVerifier(cfg.Webhook, WebhookSecret),
		kv, cfg.Webhook.DedupTTL, coordinator, metrics, logger)

	// Step 6: Authorization and schemas.
	evaluator, err := capability.NewStaticPolicyEvaluator("")
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	schemas, err := openapi.Load()
	if err != nil {
		t.Fatalf("load OpenAPI document: %v", err)
	}

	// Step 7: Router with the real authenticator.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capability.NewResolver(evaluator, 0, metrics),
		Metrics:            metrics,
		Readiness: observability.ReadinessChecks{
			Store:      observability.HealthCheckFunc(h.Store.Ping),
			Cache:      observability.HealthCheckFunc(kv.Ping),
			Documents:  observability.HealthCheckFunc(docs.Ping),
			ChangeFeed: observability.HealthCheckFunc(feed.Ping),
		},
		Schemas:      schemas,
		Idempotency:  idempotency.NewStore(kv, cfg.Server.IdempotencyTTL),
		Applications: application.NewService(h.Store, sink, logger),
		Decisions:    decision.NewRecorder(h.Store, sink, metrics, logger),
		Contracts:    coordinator,
		Providers:    providers,
		Sanctions:    sanction.NewService(h.Store, sink, metrics, logger),
		IDValidator:  validator,
		Geocoder:     geocoder,
		Changes:      feed,
		Webhooks:     receiver,
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Backend returns the mock provider with the given name.
func (h *TestHarness) Backend(name string) *MockBackend {
	mb, ok := h.backends[name]
	if !ok {
		h.t.Fatalf("mock backend %q not configured", name)
	}
	return mb
}

// GenerateToken creates a valid JWT with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// Response is a decoded API envelope.
type Response struct {
	Status  int                  `json:"-"`
	Header  http.Header          `json:"-"`
	Success bool                 `json:"success"`
	Data    json.RawMessage      `json:"data"`
	Error   *model.ErrorEnvelope `json:"error"`
}

// Decode unmarshals the envelope data into target.
func (r Response) Decode(t *testing.T, target any) {
	t.Helper()
	if err := json.Unmarshal(r.Data, target); err != nil {
		t.Fatalf("decode data: %v\ndata: %s", err, string(r.Data))
	}
}

// ErrorCode returns the error code or "" for a successful response.
func (r Response) ErrorCode() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}

// GET performs a GET request. An empty token sends no Authorization header.
func (h *TestHarness) GET(path, token string) Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, nil, token)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token, headers)
}

// Do sends a request and decodes the envelope.
func (h *TestHarness) Do(method, path string, body any, token string, headers ...map[string]string) Response {
	h.t.Helper()

	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
	}
	req := h.NewRequest(context.Background(), method, path, raw, token)
	for _, hdrs := range headers {
		for k, v := range hdrs {
			req.Header.Set(k, v)
		}
	}
	return h.send(req)
}

// NewRequest builds a request against the test server.
func (h *TestHarness) NewRequest(ctx context.Context, method, path string, body []byte, token string) *http.Request {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// Client returns an HTTP client for the test server.
func (h *TestHarness) Client() *http.Client {
	return h.server.Client()
}

// PostWebhook delivers a signature callback signed with secret.
func (h *TestHarness) PostWebhook(body []byte, secret string) Response {
	h.t.Helper()
	req := h.NewRequest(context.Background(), http.MethodPost, "/webhooks/signature", body, "")
	req.Header.Set("X-Signature", "sha256="+webhook.Sign([]byte(secret), body))
	return h.send(req)
}

func (h *TestHarness) send(req *http.Request) Response {
	h.t.Helper()
	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	out := Response{Status: resp.StatusCode}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
		}
	}
	out.Status = resp.StatusCode
	out.Header = resp.Header
	return out
}

// AssertStatus fails the test when the response status differs.
func AssertStatus(t *testing.T, r Response, expected int) {
	t.Helper()
	if r.Status != expected {
		t.Fatalf("status = %d, want %d\nerror: %+v", r.Status, expected, r.Error)
	}
}

// --- Default test claims ---

const testTenant = "clinic-network"

// CandidateClaims returns claims for an applying professional.
func CandidateClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-candidate",
		TenantID:  testTenant,
		Email:     "ana@example.com",
		Roles:     []string{"candidate"},
	}
}

// AnalystClaims returns claims for a credentialing analyst.
func AnalystClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-analyst",
		TenantID:  testTenant,
		Email:     "analyst@example.com",
		Roles:     []string{"analyst"},
	}
}

// ManagerClaims returns claims for a network manager.
func ManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-manager",
		TenantID:  testTenant,
		Email:     "manager@example.com",
		Roles:     []string{"manager"},
	}
}

// ApplicationPayload returns a complete application form.
func ApplicationPayload() map[string]any {
	return map[string]any{
		"name":      "Dr. Ana Costa",
		"email":     "ana@example.com",
		"license":   "crm-12345",
		"specialty": "cardiology",
		"address":   "Rua Augusta 100, Sao Paulo",
	}
}

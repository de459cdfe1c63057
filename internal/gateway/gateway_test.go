package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/cache"
	"github.com/pitabwire/accredit/internal/config"
	"github.com/pitabwire/accredit/internal/retry"
	"github.com/pitabwire/accredit/model"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, Multiplier: 2, MaxInterval: 5 * time.Millisecond}
}

func newTestClient(t *testing.T, name string, h http.HandlerFunc, mutate ...func(*config.ServiceConfig)) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := config.ServiceConfig{
		BaseURL:        srv.URL,
		Timeout:        time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{FailureThreshold: 10, SuccessThreshold: 1, Timeout: time.Minute},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewClient(name, cfg, WithRetryPolicy(fastRetry()), WithLogger(zap.NewNop())), srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- Client ---

func TestClient_retriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, "signing", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": "doc-9"})
	})

	var out struct{ ID string }
	err := c.Do(context.Background(), http.MethodPost, "/documents", nil, map[string]string{"a": "b"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "doc-9", out.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_exhaustedRetriesAreProviderUnavailable(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, "signing", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.Do(context.Background(), http.MethodPost, "/documents", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrProviderUnavailable), "got %v", err)
	assert.Equal(t, int32(3), calls.Load())

	var statusErr *retry.StatusError
	assert.True(t, errors.As(err, &statusErr), "cause should be kept")
}

func TestClient_clientErrorIsRejectedWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, "signing", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "signer email is invalid"})
	})

	err := c.Do(context.Background(), http.MethodPost, "/documents", nil, nil, nil)
	reason, ok := IsRejected(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "signer email is invalid", reason)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_openBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, "geocoder", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, func(cfg *config.ServiceConfig) {
		cfg.CircuitBreaker.FailureThreshold = 2
	})

	_ = c.Do(context.Background(), http.MethodGet, "/search", nil, nil, nil)
	assert.Equal(t, BreakerOpen, c.Breaker().State())
	before := calls.Load()

	err := c.Do(context.Background(), http.MethodGet, "/search", nil, nil, nil)
	assert.True(t, model.IsCode(err, model.ErrProviderUnavailable))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, calls.Load(), "no request while open")
}

func TestClient_sendsHeaders(t *testing.T) {
	t.Setenv("TEST_SIGNING_KEY", "k-123")
	var got http.Header
	c, _ := newTestClient(t, "signing", func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}, func(cfg *config.ServiceConfig) {
		cfg.APIKeyEnv = "TEST_SIGNING_KEY"
	})

	rctx := &model.RequestContext{SubjectID: "u-1", TenantID: "t-1", CorrelationID: "corr-1\r\nX-Evil: 1"}
	ctx := model.WithRequestContext(context.Background(), rctx)
	require.NoError(t, c.Do(ctx, http.MethodPost, "/documents", nil, map[string]int{"n": 1}, nil))

	assert.Equal(t, "Bearer k-123", got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "corr-1X-Evil: 1", got.Get("X-Correlation-Id"))
	assert.Empty(t, got.Get("X-Evil"))
}

func TestClient_callerCancellationIsReturnedAsIs(t *testing.T) {
	c, _ := newTestClient(t, "signing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Do(ctx, http.MethodGet, "/", nil, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, model.IsCode(err, model.ErrProviderUnavailable))
}

// --- SigningClient ---

func TestSigningClient_Send(t *testing.T) {
	var received SignatureRequest
	c, _ := newTestClient(t, "signing", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/documents", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&received)
		writeJSON(w, http.StatusCreated, map[string]string{"id": "prov-1"})
	})

	id, err := NewSigningClient(c).Send(context.Background(), SignatureRequest{
		ExternalID:  "c-1",
		Title:       "CTR-2026-ABC",
		ContentType: "text/plain",
		Content:     []byte("contract body"),
		Signers:     []Signer{{Name: "Ana", Email: "ana@example.com"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "prov-1", id)
	assert.Equal(t, []byte("contract body"), received.Content)
	assert.Equal(t, "c-1", received.ExternalID)
}

func TestSigningClient_missingIDIsRejection(t *testing.T) {
	c, _ := newTestClient(t, "signing", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	})
	_, err := NewSigningClient(c).Send(context.Background(), SignatureRequest{})
	_, ok := IsRejected(err)
	assert.True(t, ok)
}

// --- Tax ids ---

func TestValidCPFAndCNPJ(t *testing.T) {
	tests := []struct {
		id   string
		cpf  bool
		cnpj bool
	}{
		{"52998224725", true, false},
		{"52998224724", false, false},
		{"11111111111", false, false},
		{"11222333000181", false, true},
		{"11444777000161", false, true},
		{"11222333000180", false, false},
		{"00000000000000", false, false},
	}
	for _, tt := range tests {
		if got := ValidCPF(tt.id); got != tt.cpf {
			t.Errorf("ValidCPF(%q) = %v, want %v", tt.id, got, tt.cpf)
		}
		if got := ValidCNPJ(tt.id); got != tt.cnpj {
			t.Errorf("ValidCNPJ(%q) = %v, want %v", tt.id, got, tt.cnpj)
		}
	}
	if got := Digits("529.982.247-25"); got != "52998224725" {
		t.Errorf("Digits = %q", got)
	}
}

// --- IDValidator ---

func newValidator(t *testing.T, h http.HandlerFunc) (*IDValidator, *cache.Memory) {
	t.Helper()
	c, _ := newTestClient(t, "tax-id", h)
	l, _ := newTestClient(t, "license", h)
	mem := cache.NewMemory()
	return NewIDValidator(c, l, mem, time.Hour, time.Hour, zap.NewNop(), nil), mem
}

func TestIDValidator_rejectsMalformedLocally(t *testing.T) {
	var calls atomic.Int32
	v, _ := newValidator(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })

	tests := []struct {
		name string
		req  LookupRequest
		code string
	}{
		{"short", LookupRequest{ID: "123"}, "INVALID_FORMAT"},
		{"bad digits", LookupRequest{ID: "529.982.247-24"}, "INVALID_CHECK_DIGITS"},
		{"bad birthdate", LookupRequest{ID: "52998224725", Birthdate: "01/02/1990"}, "INVALID_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateTaxID(context.Background(), tt.req)
			var env *model.ErrorEnvelope
			require.True(t, errors.As(err, &env))
			assert.Equal(t, model.ErrValidationError, env.Code)
			assert.Equal(t, tt.code, env.Details[0].Code)
		})
	}
	_, err := v.ValidateLicense(context.Background(), LookupRequest{ID: "!"})
	assert.True(t, model.IsCode(err, model.ErrValidationError))
	assert.Zero(t, calls.Load())
}

func TestIDValidator_cachesAnswers(t *testing.T) {
	var calls atomic.Int32
	v, _ := newValidator(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req LookupRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "52998224725", req.ID)
		writeJSON(w, http.StatusOK, LookupResult{Valid: true, Data: map[string]any{"name": "ANA SOUZA"}})
	})

	first, err := v.ValidateTaxID(context.Background(), LookupRequest{ID: "529.982.247-25"})
	require.NoError(t, err)
	assert.True(t, first.Valid)
	assert.False(t, first.Cached)

	second, err := v.ValidateTaxID(context.Background(), LookupRequest{ID: "52998224725"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "ANA SOUZA", second.Data["name"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestIDValidator_negativeAnswer(t *testing.T) {
	v, _ := newValidator(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "license not registered"})
	})
	res, err := v.ValidateLicense(context.Background(), LookupRequest{ID: "123456/sp"})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "license not registered", res.Message)
}

func TestIDValidator_collapsesConcurrentLookups(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	v, _ := newValidator(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		writeJSON(w, http.StatusOK, LookupResult{Valid: true})
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = v.ValidateLicense(context.Background(), LookupRequest{ID: "CRM-12345"})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestIDValidator_unavailable(t *testing.T) {
	v, _ := newValidator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := v.ValidateTaxID(context.Background(), LookupRequest{ID: "11222333000181"})
	assert.True(t, model.IsCode(err, model.ErrProviderUnavailable))
}

// --- Geocoder ---

func TestGeocoder_resolvesAndCaches(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, "geocoder", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "av paulista 1000, são paulo", r.URL.Query().Get("q"))
		writeJSON(w, http.StatusOK, []geocodeHit{{Lat: "-23.5650", Lon: "-46.6520"}})
	})
	g := NewGeocoder(c, cache.NewMemory(), time.Hour, zap.NewNop(), nil)

	first, err := g.Geocode(context.Background(), "  Av Paulista 1000,   São Paulo ")
	require.NoError(t, err)
	assert.InDelta(t, -23.565, first.Latitude, 1e-9)
	assert.InDelta(t, -46.652, first.Longitude, 1e-9)
	assert.False(t, first.Cached)

	second, err := g.Geocode(context.Background(), "av paulista 1000, são paulo")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGeocoder_tagsCacheHits(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	c, _ := newTestClient(t, "geocoder", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []geocodeHit{{Lat: "-23.5650", Lon: "-46.6520"}})
	})
	g := NewGeocoder(c, cache.NewMemory(), time.Hour, zap.NewNop(), nil)

	for range 2 {
		_, err := g.Geocode(context.Background(), "Av Paulista 1000")
		require.NoError(t, err)
	}

	var hits []string
	for _, s := range exporter.GetSpans() {
		if s.Name != "gateway.geocode" {
			continue
		}
		for _, a := range s.Attributes {
			if a.Key == "accredit.cache_hit" {
				hits = append(hits, a.Value.Emit())
			}
		}
	}
	assert.Equal(t, []string{"false", "true"}, hits)
}

func TestGeocoder_notFoundAndEmpty(t *testing.T) {
	c, _ := newTestClient(t, "geocoder", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []geocodeHit{})
	})
	g := NewGeocoder(c, cache.NewMemory(), time.Hour, zap.NewNop(), nil)

	_, err := g.Geocode(context.Background(), "nowhere")
	assert.True(t, model.IsCode(err, model.ErrNotFound))

	_, err = g.Geocode(context.Background(), "   ")
	assert.True(t, model.IsCode(err, model.ErrValidationError))
}

func TestGeocoder_rateLimited(t *testing.T) {
	var stamps []time.Time
	var mu sync.Mutex
	c, _ := newTestClient(t, "geocoder", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		writeJSON(w, http.StatusOK, []geocodeHit{{Lat: "1", Lon: "2"}})
	}, func(cfg *config.ServiceConfig) {
		cfg.RateLimit = config.RateLimitConfig{PerSecond: 10, Burst: 1}
	})
	g := NewGeocoder(c, cache.NewMemory(), 0, zap.NewNop(), nil)

	for _, a := range []string{"a", "b", "c"} {
		_, err := g.Geocode(context.Background(), a)
		require.NoError(t, err)
	}
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[0]), 150*time.Millisecond)
}

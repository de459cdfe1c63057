package webhook

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/cache"
	"github.com/pitabwire/accredit/internal/config"
	"github.com/pitabwire/accredit/model"
)

const secret = "s3cret"

type fakeReconciler struct {
	mu     sync.Mutex
	events []model.SignatureEvent
	err    error
}

func (f *fakeReconciler) HandleSignatureEvent(_ context.Context, ev model.SignatureEvent) (model.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if f.err != nil {
		return model.ReconcileResult{}, f.err
	}
	return model.ReconcileResult{Contract: model.Contract{ID: "C1", Status: model.ContractSigned}, Applied: true}, nil
}

type resultCounter map[string]int

func (r resultCounter) RecordWebhook(result string) { r[result]++ }

func hmacConfig() config.WebhookConfig {
	return config.Defaults().Webhook
}

func newReceiver(c cache.Cache, rec Reconciler, metrics Metrics) *Receiver {
	return NewReceiver(NewVerifier(hmacConfig(), secret), c, time.Hour, rec, metrics, zap.NewNop())
}

func signed(body string) http.Header {
	h := http.Header{}
	h.Set("X-Signature", Sign([]byte(secret), []byte(body)))
	return h
}

func TestVerifier_hmac(t *testing.T) {
	v := NewVerifier(hmacConfig(), secret)
	body := []byte(`{"event":"document.signed","document_id":"d1"}`)

	tests := []struct {
		name   string
		header string
		ok     bool
	}{
		{"valid", Sign([]byte(secret), body), true},
		{"valid with prefix", "sha256=" + Sign([]byte(secret), body), true},
		{"wrong secret", Sign([]byte("other"), body), false},
		{"not hex", "zzzz", false},
		{"missing", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("X-Signature", tt.header)
			}
			err := v.Verify(h, body)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, model.IsCode(err, model.ErrUnauthorized), "err = %v", err)
			}
		})
	}
}

func TestVerifier_token(t *testing.T) {
	cfg := hmacConfig()
	cfg.Scheme = SchemeToken
	v := NewVerifier(cfg, secret)

	h := http.Header{}
	h.Set("X-Webhook-Token", secret)
	assert.NoError(t, v.Verify(h, nil))

	h.Set("X-Webhook-Token", "guess")
	assert.Error(t, v.Verify(h, nil))
}

func TestVerifier_noSecretRejectsAll(t *testing.T) {
	v := NewVerifier(hmacConfig(), "")
	body := []byte(`{}`)
	h := http.Header{}
	h.Set("X-Signature", Sign(nil, body))

	assert.True(t, model.IsCode(v.Verify(h, body), model.ErrUnauthorized))
}

func TestReceive_duplicateDeliveryAppliedOnce(t *testing.T) {
	rec := &fakeReconciler{}
	metrics := resultCounter{}
	rc := newReceiver(cache.NewMemory(), rec, metrics)
	body := `{"event_id":"evt-1","event":"document.signed","document_id":"doc-1"}`

	out, err := rc.Receive(context.Background(), signed(body), []byte(body))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.False(t, out.Duplicate)

	out, err = rc.Receive(context.Background(), signed(body), []byte(body))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)

	assert.Len(t, rec.events, 1)
	assert.Equal(t, 1, metrics["applied"])
	assert.Equal(t, 1, metrics["duplicate"])
}

func TestReceive_dedupByBodyHashWithoutEventID(t *testing.T) {
	rec := &fakeReconciler{}
	rc := newReceiver(cache.NewMemory(), rec, nil)
	body := `{"event":"document.signed","document_id":"doc-1"}`
	other := `{"event":"document.viewed","document_id":"doc-1"}`

	for _, b := range []string{body, body, other} {
		_, err := rc.Receive(context.Background(), signed(b), []byte(b))
		require.NoError(t, err)
	}
	assert.Len(t, rec.events, 2)
}

func TestReceive_redisDedupAcrossReceivers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rec := &fakeReconciler{}
	a := newReceiver(cache.NewRedis(client, "accredit"), rec, nil)
	b := newReceiver(cache.NewRedis(client, "accredit"), rec, nil)
	body := `{"event_id":"evt-7","event":"document.signed","document_id":"doc-1"}`

	_, err := a.Receive(context.Background(), signed(body), []byte(body))
	require.NoError(t, err)
	out, err := b.Receive(context.Background(), signed(body), []byte(body))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Len(t, rec.events, 1)

	assert.True(t, mr.Exists("accredit:webhook:signature:id:evt-7"))
}

func TestReceive_failureReleasesKey(t *testing.T) {
	rec := &fakeReconciler{err: errors.New("store down")}
	rc := newReceiver(cache.NewMemory(), rec, nil)
	body := `{"event_id":"evt-2","event":"document.signed","document_id":"doc-1"}`

	_, err := rc.Receive(context.Background(), signed(body), []byte(body))
	require.Error(t, err)

	rec.err = nil
	out, err := rc.Receive(context.Background(), signed(body), []byte(body))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Len(t, rec.events, 2)
}

func TestReceive_rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		header func(string) http.Header
		code   string
	}{
		{"bad signature", `{"event":"document.signed","document_id":"d"}`, func(string) http.Header { return http.Header{} }, model.ErrUnauthorized},
		{"bad json", `{`, signed, model.ErrBadRequest},
		{"unsupported event", `{"event":"document.burned","document_id":"d"}`, signed, model.ErrValidationError},
		{"missing document", `{"event":"document.signed"}`, signed, model.ErrValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeReconciler{}
			rc := newReceiver(cache.NewMemory(), rec, nil)

			_, err := rc.Receive(context.Background(), tt.header(tt.body), []byte(tt.body))
			assert.True(t, model.IsCode(err, tt.code), "err = %v", err)
			assert.Empty(t, rec.events)
		})
	}
}

func TestReceive_unknownDocument(t *testing.T) {
	rec := &fakeReconciler{err: model.NewNotFoundError("no contract for provider document")}
	metrics := resultCounter{}
	rc := newReceiver(cache.NewMemory(), rec, metrics)
	body := `{"event":"document.signed","document_id":"ghost"}`

	_, err := rc.Receive(context.Background(), signed(body), []byte(body))
	assert.True(t, model.IsCode(err, model.ErrNotFound), "err = %v", err)
	assert.Equal(t, 1, metrics["unknown_document"])
}

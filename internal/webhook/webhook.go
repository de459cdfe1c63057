// Package webhook authenticates and deduplicates signing provider
// callbacks before handing them to the contract coordinator.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/cache"
	"github.com/pitabwire/accredit/internal/config"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/model"
)

// Verification schemes.
const (
	SchemeHMAC  = "hmac"
	SchemeToken = "token"
)

// Verifier checks the shared secret on an inbound delivery.
type Verifier struct {
	scheme      string
	secret      []byte
	sigHeader   string
	tokenHeader string
}

// NewVerifier creates a verifier for the configured scheme.
func NewVerifier(cfg config.WebhookConfig, secret string) *Verifier {
	return &Verifier{
		scheme:      cfg.Scheme,
		secret:      []byte(secret),
		sigHeader:   cfg.SignatureHeader,
		tokenHeader: cfg.TokenHeader,
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify authenticates a delivery. Without a configured secret every
// delivery is rejected.
func (v *Verifier) Verify(header http.Header, body []byte) error {
	if len(v.secret) == 0 {
		return model.NewUnauthorizedError("webhook secret is not configured")
	}
	switch v.scheme {
	case SchemeToken:
		got := header.Get(v.tokenHeader)
		if got == "" || !hmac.Equal([]byte(got), v.secret) {
			return model.NewUnauthorizedError("invalid webhook token")
		}
		return nil
	default:
		got := strings.TrimPrefix(strings.TrimSpace(header.Get(v.sigHeader)), "sha256=")
		sig, err := hex.DecodeString(got)
		if got == "" || err != nil {
			return model.NewUnauthorizedError("missing or malformed webhook signature")
		}
		want, _ := hex.DecodeString(Sign(v.secret, body))
		if !hmac.Equal(sig, want) {
			return model.NewUnauthorizedError("invalid webhook signature")
		}
		return nil
	}
}

// Reconciler applies a verified signature event.
type Reconciler interface {
	HandleSignatureEvent(ctx context.Context, ev model.SignatureEvent) (model.ReconcileResult, error)
}

// Metrics counts deliveries by result.
type Metrics interface {
	RecordWebhook(result string)
}

// Outcome is what a delivery did.
type Outcome struct {
	Duplicate bool                   `json:"duplicate"`
	Applied   bool                   `json:"applied"`
	Result    *model.ReconcileResult `json:"result,omitempty"`
}

// Receiver verifies, deduplicates and dispatches deliveries.
type Receiver struct {
	verifier   *Verifier
	dedup      cache.Cache
	ttl        time.Duration
	reconciler Reconciler
	metrics    Metrics
	logger     *zap.Logger
}

// NewReceiver creates a receiver. metrics may be nil.
func NewReceiver(verifier *Verifier, dedup cache.Cache, ttl time.Duration, reconciler Reconciler, metrics Metrics, logger *zap.Logger) *Receiver {
	return &Receiver{verifier: verifier, dedup: dedup, ttl: ttl, reconciler: reconciler, metrics: metrics, logger: logger}
}

var supportedEvents = map[string]bool{
	model.SignatureEventSigned:   true,
	model.SignatureEventRejected: true,
	model.SignatureEventExpired:  true,
	model.SignatureEventViewed:   true,
}

// Receive processes one raw delivery.
func (rc *Receiver) Receive(ctx context.Context, header http.Header, body []byte) (Outcome, error) {
	out, result, err := rc.receive(ctx, header, body)
	rc.count(result)
	return out, err
}

func (rc *Receiver) receive(ctx context.Context, header http.Header, body []byte) (Outcome, string, error) {
	log := observability.RequestLogger(ctx, rc.logger)

	// 1. Authenticate.
	if err := rc.verifier.Verify(header, body); err != nil {
		log.Warn("webhook rejected", zap.Error(err))
		return Outcome{}, "unauthorized", err
	}

	// 2. Parse and check the event.
	var ev model.SignatureEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Outcome{}, "invalid", model.NewBadRequestError("webhook body is not valid JSON")
	}
	var errs []model.FieldError
	if !supportedEvents[ev.Event] {
		errs = append(errs, model.FieldError{Field: "event", Code: "UNSUPPORTED", Message: fmt.Sprintf("event %q is not supported", ev.Event)})
	}
	if ev.DocumentID == "" {
		errs = append(errs, model.FieldError{Field: "document_id", Code: "REQUIRED", Message: "document_id is required"})
	}
	if len(errs) > 0 {
		return Outcome{}, "invalid", model.NewValidationError(errs)
	}

	// 3. Deduplicate.
	key := cache.Key("webhook", "signature", DeliveryKey(ev, body))
	fresh, err := rc.dedup.SetNX(ctx, key, ev.Event, rc.ttl)
	if err != nil {
		// Without the dedup store the coordinator's status check still
		// keeps the transition single.
		log.Warn("webhook dedup unavailable", zap.Error(err))
		fresh = true
	}
	if !fresh {
		log.Info("duplicate webhook delivery", zap.String("document_id", ev.DocumentID), zap.String("event", ev.Event))
		return Outcome{Duplicate: true}, "duplicate", nil
	}

	// 4. Reconcile. A failed delivery releases its key so the provider's
	// retry is processed.
	res, err := rc.reconciler.HandleSignatureEvent(ctx, ev)
	if err != nil {
		if derr := rc.dedup.Delete(ctx, key); derr != nil {
			log.Warn("releasing webhook dedup key", zap.Error(derr))
		}
		result := "error"
		if model.IsCode(err, model.ErrNotFound) {
			result = "unknown_document"
		}
		return Outcome{}, result, err
	}
	result := "ignored"
	if res.Applied {
		result = "applied"
	}
	return Outcome{Applied: res.Applied, Result: &res}, result, nil
}

// DeliveryKey identifies a delivery: the provider's event id, or a hash of
// the raw body when the provider sends none.
func DeliveryKey(ev model.SignatureEvent, body []byte) string {
	if ev.EventID != "" {
		return "id:" + ev.EventID
	}
	sum := sha256.Sum256(body)
	return "body:" + hex.EncodeToString(sum[:])
}

func (rc *Receiver) count(result string) {
	if rc.metrics != nil {
		rc.metrics.RecordWebhook(result)
	}
}

package gateway

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/accredit/internal/cache"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/model"
)

// LookupRequest asks an identity oracle about an id.
type LookupRequest struct {
	ID        string `json:"id"`
	Birthdate string `json:"birthdate,omitempty"`
}

// LookupResult is the oracle's answer.
type LookupResult struct {
	Valid   bool           `json:"valid"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	Cached  bool           `json:"cached"`
}

var licensePattern = regexp.MustCompile(`^[0-9A-Z][0-9A-Z./-]{2,29}$`)

// IDValidator checks tax ids and professional licenses. Malformed ids are
// refused locally; answers are cached and concurrent identical lookups share
// one outbound call.
type IDValidator struct {
	taxID      *Client
	license    *Client
	cache      cache.Cache
	taxTTL     time.Duration
	licenseTTL time.Duration
	group      singleflight.Group
	logger     *zap.Logger
	metrics    Recorder
}

// NewIDValidator creates a validator. TTLs of zero disable caching.
func NewIDValidator(taxID, license *Client, c cache.Cache, taxTTL, licenseTTL time.Duration, logger *zap.Logger, metrics Recorder) *IDValidator {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &IDValidator{
		taxID:      taxID,
		license:    license,
		cache:      c,
		taxTTL:     taxTTL,
		licenseTTL: licenseTTL,
		logger:     logger,
		metrics:    metrics,
	}
}

// ValidateTaxID checks a CPF (11 digits) or CNPJ (14 digits).
func (v *IDValidator) ValidateTaxID(ctx context.Context, req LookupRequest) (LookupResult, error) {
	digits := Digits(req.ID)
	var details []model.FieldError
	switch {
	case len(digits) != 11 && len(digits) != 14:
		details = append(details, model.FieldError{Field: "id", Code: "INVALID_FORMAT", Message: "tax id must have 11 or 14 digits"})
	case len(digits) == 11 && !ValidCPF(digits), len(digits) == 14 && !ValidCNPJ(digits):
		details = append(details, model.FieldError{Field: "id", Code: "INVALID_CHECK_DIGITS", Message: "tax id check digits do not match"})
	}
	details = append(details, checkBirthdate(req.Birthdate)...)
	if len(details) > 0 {
		return LookupResult{}, model.NewValidationError(details)
	}
	return v.lookup(ctx, "taxid", v.taxID, "/tax-ids/validate", LookupRequest{ID: digits, Birthdate: req.Birthdate}, v.taxTTL)
}

// ValidateLicense checks a professional license number.
func (v *IDValidator) ValidateLicense(ctx context.Context, req LookupRequest) (LookupResult, error) {
	id := strings.ToUpper(strings.TrimSpace(req.ID))
	var details []model.FieldError
	if !licensePattern.MatchString(id) {
		details = append(details, model.FieldError{Field: "id", Code: "INVALID_FORMAT", Message: "license number is malformed"})
	}
	details = append(details, checkBirthdate(req.Birthdate)...)
	if len(details) > 0 {
		return LookupResult{}, model.NewValidationError(details)
	}
	return v.lookup(ctx, "license", v.license, "/licenses/validate", LookupRequest{ID: id, Birthdate: req.Birthdate}, v.licenseTTL)
}

func checkBirthdate(s string) []model.FieldError {
	if s == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return []model.FieldError{{Field: "birthdate", Code: "INVALID_FORMAT", Message: "birthdate must be YYYY-MM-DD"}}
	}
	return nil
}

func (v *IDValidator) lookup(ctx context.Context, kind string, client *Client, path string, req LookupRequest, ttl time.Duration) (_ LookupResult, err error) {
	ctx, span := observability.StartSpan(ctx, "gateway.lookup", observability.AttrService.String(client.Name()))
	defer func() { observability.EndSpanWithError(span, err) }()
	key := cache.Key("validator", kind, req.ID, req.Birthdate)

	if ttl > 0 {
		var cached LookupResult
		found, err := v.cache.Get(ctx, key, &cached)
		if err != nil {
			v.logger.Warn("validator cache read failed", zap.String("kind", kind), zap.Error(err))
		}
		v.metrics.RecordCacheResult(kind, found)
		span.SetAttributes(observability.AttrCacheHit.Bool(found))
		if found {
			cached.Cached = true
			return cached, nil
		}
	}

	res, err, _ := v.group.Do(key, func() (any, error) {
		var out LookupResult
		err := client.Do(ctx, http.MethodPost, path, nil, req, &out)
		var rej *RejectedError
		if errors.As(err, &rej) && isNegativeAnswer(rej.StatusCode) {
			out, err = LookupResult{Valid: false, Message: rej.Reason}, nil
		}
		if err != nil {
			return LookupResult{}, err
		}
		out.Cached = false
		observability.RequestLogger(ctx, v.logger).Debug("identity lookup answered",
			zap.String("kind", kind),
			zap.Bool("valid", out.Valid),
			zap.Any("data", observability.Redact(out.Data)),
		)
		if ttl > 0 {
			if err := v.cache.Set(ctx, key, out, ttl); err != nil {
				v.logger.Warn("validator cache write failed", zap.String("kind", kind), zap.Error(err))
			}
		}
		return out, nil
	})
	if err != nil {
		return LookupResult{}, err
	}
	return res.(LookupResult), nil
}

// isNegativeAnswer reports whether a refusal means "this id is not valid"
// rather than a problem with the call itself.
func isNegativeAnswer(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

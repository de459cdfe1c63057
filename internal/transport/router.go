package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/accreditation"
	"github.com/pitabwire/accredit/internal/application"
	"github.com/pitabwire/accredit/internal/changefeed"
	"github.com/pitabwire/accredit/internal/config"
	"github.com/pitabwire/accredit/internal/contract"
	"github.com/pitabwire/accredit/internal/decision"
	"github.com/pitabwire/accredit/internal/gateway"
	"github.com/pitabwire/accredit/internal/idempotency"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/internal/openapi"
	"github.com/pitabwire/accredit/internal/sanction"
	"github.com/pitabwire/accredit/internal/webhook"
	"github.com/pitabwire/accredit/model"
)

// IDValidator answers tax id and professional license lookups.
type IDValidator interface {
	ValidateTaxID(ctx context.Context, req gateway.LookupRequest) (gateway.LookupResult, error)
	ValidateLicense(ctx context.Context, req gateway.LookupRequest) (gateway.LookupResult, error)
}

// Geocoder resolves an address to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (gateway.GeocodeResult, error)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Metrics            *observability.Metrics
	Readiness          observability.ReadinessChecks
	Schemas            *openapi.Validator
	Idempotency        *idempotency.Store

	Applications *application.Service
	Decisions    *decision.Recorder
	Contracts    *contract.Coordinator
	Providers    *accreditation.Service
	Sanctions    *sanction.Service
	IDValidator  IDValidator
	Geocoder     Geocoder
	Changes      changefeed.Feed
	Webhooks     *webhook.Receiver
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, the signature webhook and
// public certificate checks bypass user authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	h := &handlers{deps: deps, logger: logger}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(RequestLogging(logger))
	r.Use(BodyLimit(cfg.Server.MaxBodyBytes))

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	r.Handle("/metrics", observability.Handler())
	r.With(HandlerTimeout(cfg.Server.HandlerTimeout)).Post("/webhooks/signature", h.signatureWebhook)
	r.With(HandlerTimeout(cfg.Server.HandlerTimeout)).Get("/public/certificates/{code}", h.validateCertificate)

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(Idempotency(deps.Idempotency, logger))

		// Long-lived stream; no handler deadline.
		r.Get("/changes", h.changes)

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))

			r.Post("/applications", h.createApplication)
			r.Get("/applications", h.listApplications)
			r.Get("/applications/{id}", h.getApplication)
			r.Post("/applications/{id}/submit", h.submitApplication)
			r.Post("/applications/{id}/analysis", h.startAnalysis)
			r.Post("/applications/{id}/resubmit", h.resubmitApplication)
			r.Post("/applications/{id}/decisions", h.recordDecision)
			r.Get("/applications/{id}/decisions", h.listDecisions)
			r.Post("/applications/{id}/contracts", h.generateContract)

			r.Post("/contracts/reprocess", h.reprocessContracts)
			r.Get("/contracts/{id}", h.getContract)
			r.Post("/contracts/{id}/dispatch", h.dispatchContract)
			r.Post("/contracts/{id}/regenerate", h.regenerateContract)

			r.Get("/providers/{id}", h.getProvider)
			r.Get("/providers/{id}/sanctions", h.listSanctions)
			r.Post("/sanctions", h.applySanction)
			r.Post("/sanctions/{id}/transition", h.transitionSanction)

			r.Post("/validators/tax-id", h.validateTaxID)
			r.Post("/validators/professional-license", h.validateLicense)
			r.Post("/geocode", h.geocode)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, model.NewNotFoundError("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: model.NewBadRequestError("method not allowed")})
	})

	return r
}

type handlers struct {
	deps   Dependencies
	logger *zap.Logger
}

// requestContext returns the caller's context or writes 401.
func requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

// readBody reads the whole body. On failure the error response is already
// written.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteError(w, r, model.NewBadRequestError("request body too large"))
	} else {
		WriteError(w, r, model.NewBadRequestError("unreadable request body"))
	}
	return nil, false
}

// decodeBody reads the body, checks it against the operation's schema and
// decodes it into dst. On failure the error response is already written.
func (h *handlers) decodeBody(w http.ResponseWriter, r *http.Request, operationID string, dst any) bool {
	body, ok := readBody(w, r)
	if !ok {
		return false
	}
	if h.deps.Schemas != nil {
		if err := h.deps.Schemas.ValidateBody(operationID, body); err != nil {
			WriteError(w, r, err)
			return false
		}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	return true
}

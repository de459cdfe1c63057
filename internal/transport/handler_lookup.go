package transport

import (
	"context"
	"net/http"

	"github.com/pitabwire/accredit/internal/gateway"
	"github.com/pitabwire/accredit/model"
)

type lookupFunc func(ctx context.Context, req gateway.LookupRequest) (gateway.LookupResult, error)

func (h *handlers) validateTaxID(w http.ResponseWriter, r *http.Request) {
	if h.deps.IDValidator == nil {
		WriteError(w, r, model.NewProviderUnavailableError("tax id registry"))
		return
	}
	h.lookup(w, r, "validateTaxID", h.deps.IDValidator.ValidateTaxID)
}

func (h *handlers) validateLicense(w http.ResponseWriter, r *http.Request) {
	if h.deps.IDValidator == nil {
		WriteError(w, r, model.NewProviderUnavailableError("license registry"))
		return
	}
	h.lookup(w, r, "validateLicense", h.deps.IDValidator.ValidateLicense)
}

func (h *handlers) lookup(w http.ResponseWriter, r *http.Request, operationID string, fn lookupFunc) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	if !rctx.Can(model.CapValidatorLookup) {
		WriteError(w, r, model.NewNotAuthorizedError("not allowed to use validators"))
		return
	}
	var req gateway.LookupRequest
	if !h.decodeBody(w, r, operationID, &req) {
		return
	}
	res, err := fn(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, res)
}

type geocodeRequest struct {
	Address string `json:"address"`
}

func (h *handlers) geocode(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	if !rctx.Can(model.CapGeocodeLookup) {
		WriteError(w, r, model.NewNotAuthorizedError("not allowed to geocode"))
		return
	}
	var req geocodeRequest
	if !h.decodeBody(w, r, "geocode", &req) {
		return
	}
	if h.deps.Geocoder == nil {
		WriteError(w, r, model.NewProviderUnavailableError("geocoding"))
		return
	}
	res, err := h.deps.Geocoder.Geocode(r.Context(), req.Address)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, res)
}

package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/accredit/model"
)

func (h *handlers) getProvider(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	p, err := h.deps.Providers.GetProvider(r.Context(), rctx, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, p)
}

func (h *handlers) listSanctions(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	list, err := h.deps.Sanctions.List(r.Context(), rctx, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, list)
}

func (h *handlers) applySanction(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var req model.SanctionRequest
	if !h.decodeBody(w, r, "applySanction", &req) {
		return
	}
	sn, err := h.deps.Sanctions.Apply(r.Context(), rctx, req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, sn)
}

type sanctionTransition struct {
	To     model.SanctionStatus `json:"to"`
	Reason string               `json:"reason"`
}

func (h *handlers) transitionSanction(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var req sanctionTransition
	if !h.decodeBody(w, r, "transitionSanction", &req) {
		return
	}
	sn, err := h.deps.Sanctions.Transition(r.Context(), rctx, chi.URLParam(r, "id"), req.To, req.Reason)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, sn)
}

// validateCertificate is public: anyone holding a certificate code may check it.
func (h *handlers) validateCertificate(w http.ResponseWriter, r *http.Request) {
	check, err := h.deps.Providers.ValidateCertificate(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, check)
}

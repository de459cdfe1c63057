package transport

import (
	"errors"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/accredit/model"
)

type generateRequest struct {
	TemplateID string `json:"template_id"`
}

func (h *handlers) generateContract(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var req generateRequest
	if !h.decodeBody(w, r, "generateContract", &req) {
		return
	}
	ct, err := h.deps.Contracts.Generate(r.Context(), rctx, chi.URLParam(r, "id"), req.TemplateID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, ct)
}

func (h *handlers) getContract(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	ct, err := h.deps.Contracts.Get(r.Context(), rctx, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, ct)
}

// dispatchContract answers 200 with the contract even when the provider
// refused the document; the contract is then failed.
func (h *handlers) dispatchContract(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	ct, err := h.deps.Contracts.Dispatch(r.Context(), rctx, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, ct)
}

func (h *handlers) regenerateContract(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	ct, err := h.deps.Contracts.Regenerate(r.Context(), rctx, chi.URLParam(r, "id"))
	if err != nil {
		if ct.ID != "" {
			// The replacement exists but was not dispatched.
			w.Header().Set("Location", "/api/contracts/"+ct.ID)
			err = withReplacement(err, ct)
		}
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, ct)
}

// withReplacement names the replacement contract in the error details so
// the client can dispatch it later.
func withReplacement(err error, ct model.Contract) error {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		return err
	}
	out := *env
	out.Details = append(slices.Clone(env.Details), model.FieldError{
		Field:   "contract_id",
		Code:    "REPLACEMENT_NOT_DISPATCHED",
		Message: ct.ID,
	})
	return &out
}

func (h *handlers) reprocessContracts(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var req model.ReprocessRequest
	if !h.decodeBody(w, r, "reprocessContracts", &req) {
		return
	}
	res, err := h.deps.Contracts.Reprocess(r.Context(), rctx, req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, res)
}

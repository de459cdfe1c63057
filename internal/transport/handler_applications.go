package transport

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/accredit/internal/application"
	"github.com/pitabwire/accredit/model"
)

func (h *handlers) createApplication(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var req application.CreateRequest
	if !h.decodeBody(w, r, "createApplication", &req) {
		return
	}
	app, err := h.deps.Applications.Create(r.Context(), rctx, req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, app)
}

func (h *handlers) listApplications(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := model.ApplicationFilter{
		CandidateID: q.Get("candidate_id"),
		ProgramID:   q.Get("program_id"),
		Status:      model.ApplicationStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteError(w, r, model.NewValidationError([]model.FieldError{
				{Field: "limit", Code: "INVALID_VALUE", Message: "limit must be a positive integer"},
			}))
			return
		}
		filter.Limit = n
	}
	apps, err := h.deps.Applications.List(r.Context(), rctx, filter)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, apps)
}

func (h *handlers) getApplication(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	app, err := h.deps.Applications.Get(r.Context(), rctx, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, app)
}

type applicationStep func(ctx context.Context, rctx *model.RequestContext, id string) (model.Application, error)

func (h *handlers) submitApplication(w http.ResponseWriter, r *http.Request) {
	h.runApplicationStep(w, r, h.deps.Applications.Submit)
}

func (h *handlers) startAnalysis(w http.ResponseWriter, r *http.Request) {
	h.runApplicationStep(w, r, h.deps.Applications.StartAnalysis)
}

func (h *handlers) runApplicationStep(w http.ResponseWriter, r *http.Request, step applicationStep) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	app, err := step(r.Context(), rctx, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, app)
}

type resubmission struct {
	Payload map[string]any `json:"payload"`
}

func (h *handlers) resubmitApplication(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var req resubmission
	if !h.decodeBody(w, r, "resubmitApplication", &req) {
		return
	}
	app, err := h.deps.Applications.Resubmit(r.Context(), rctx, chi.URLParam(r, "id"), req.Payload)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, app)
}

func (h *handlers) recordDecision(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var req model.DecisionRequest
	if !h.decodeBody(w, r, "recordDecision", &req) {
		return
	}
	req.ApplicationID = chi.URLParam(r, "id")

	d, err := h.deps.Decisions.RecordDecision(r.Context(), rctx, req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusCreated, d)
}

func (h *handlers) listDecisions(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	ds, err := h.deps.Decisions.ListDecisions(r.Context(), rctx, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, ds)
}

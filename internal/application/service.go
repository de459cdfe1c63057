// Package application drives the candidate-facing part of the application
// lifecycle: drafting, submission, the start of analysis and resubmission
// after a correction request.
package application

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/audit"
	"github.com/pitabwire/accredit/internal/lifecycle"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/internal/store"
	"github.com/pitabwire/accredit/model"
)

// Service owns application state changes that are not decisions.
type Service struct {
	store  store.ApplicationStore
	sink   *audit.Sink
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates an application service.
func NewService(s store.ApplicationStore, sink *audit.Sink, logger *zap.Logger) *Service {
	return &Service{store: s, sink: sink, logger: logger, now: time.Now}
}

// CreateRequest is the input for a new draft.
type CreateRequest struct {
	ProgramID string         `json:"program_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Create stores a draft owned by the caller.
func (s *Service) Create(ctx context.Context, rctx *model.RequestContext, req CreateRequest) (model.Application, error) {
	if !rctx.Can(model.CapApplicationCreate) {
		return model.Application{}, model.NewNotAuthorizedError("not allowed to create applications")
	}
	if req.ProgramID == "" {
		return model.Application{}, model.NewValidationError([]model.FieldError{
			{Field: "program_id", Code: "REQUIRED", Message: "program is required"},
		})
	}

	now := s.now().UTC()
	app := model.Application{
		ID:          uuid.NewString(),
		TenantID:    rctx.TenantID,
		CandidateID: rctx.SubjectID,
		ProgramID:   req.ProgramID,
		Status:      model.ApplicationDraft,
		Payload:     req.Payload,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if err := s.store.CreateApplication(ctx, app); err != nil {
		return model.Application{}, fmt.Errorf("creating application: %w", err)
	}

	s.sink.Transition(ctx, rctx, audit.Transition{
		TenantID:   app.TenantID,
		EntityType: model.EntityApplication,
		EntityID:   app.ID,
		Action:     "created",
		To:         string(app.Status),
	})
	return app, nil
}

// Get returns an application visible to the caller: its owner or anyone
// allowed to view applications.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, id string) (model.Application, error) {
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return model.Application{}, err
	}
	if !CanView(rctx, app) {
		return model.Application{}, model.NewNotAuthorizedError("not allowed to view this application")
	}
	return app, nil
}

// CanView reports whether rctx may read app. Staff readers must share
// the application's tenant.
func CanView(rctx *model.RequestContext, app model.Application) bool {
	if rctx == nil {
		return false
	}
	if app.CandidateID == rctx.SubjectID {
		return true
	}
	return rctx.Can(model.CapApplicationView) && rctx.InTenant(app.TenantID)
}

// List returns applications. Callers without the list capability only see
// their own.
func (s *Service) List(ctx context.Context, rctx *model.RequestContext, filter model.ApplicationFilter) ([]model.Application, error) {
	if !rctx.Can(model.CapApplicationList) {
		filter.CandidateID = rctx.SubjectID
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, model.NewValidationError([]model.FieldError{
			{Field: "status", Code: "INVALID", Message: fmt.Sprintf("unknown status %q", filter.Status)},
		})
	}
	filter.TenantID = rctx.TenantID
	return s.store.ListApplications(ctx, filter)
}

// Submit moves a draft to submitted.
func (s *Service) Submit(ctx context.Context, rctx *model.RequestContext, id string) (model.Application, error) {
	return s.transition(ctx, rctx, id, model.ApplicationSubmitted, func(app *model.Application) error {
		now := s.now().UTC()
		app.SubmittedAt = &now
		return nil
	})
}

// StartAnalysis opens a new analysis cycle on a submitted application.
func (s *Service) StartAnalysis(ctx context.Context, rctx *model.RequestContext, id string) (model.Application, error) {
	app, err := s.transition(ctx, rctx, id, model.ApplicationUnderAnalysis, func(app *model.Application) error {
		app.AnalysisCycle++
		return nil
	})
	if err != nil {
		return model.Application{}, err
	}
	s.sink.Notify(ctx, model.Notification{
		TenantID:    app.TenantID,
		RecipientID: app.CandidateID,
		Title:       "Application under analysis",
		Message:     "An analyst has started reviewing your application.",
		EntityType:  model.EntityApplication,
		EntityID:    app.ID,
	})
	return app, nil
}

// Resubmit returns a corrected application to analysis. Payload keys are
// merged over the stored submission.
func (s *Service) Resubmit(ctx context.Context, rctx *model.RequestContext, id string, payload map[string]any) (model.Application, error) {
	return s.transition(ctx, rctx, id, model.ApplicationUnderAnalysis, func(app *model.Application) error {
		if app.CorrectionDeadline != nil && s.now().After(*app.CorrectionDeadline) {
			return model.NewInvalidStateError(
				fmt.Sprintf("correction deadline for application %s passed at %s", app.ID, app.CorrectionDeadline.Format(time.RFC3339)),
			)
		}
		if app.Payload == nil {
			app.Payload = make(map[string]any, len(payload))
		} else {
			app.Payload = maps.Clone(app.Payload)
		}
		maps.Copy(app.Payload, payload)
		app.CorrectionDeadline = nil
		app.AnalysisCycle++
		return nil
	})
}

func (s *Service) transition(
	ctx context.Context,
	rctx *model.RequestContext,
	id string,
	to model.ApplicationStatus,
	mutate func(*model.Application) error,
) (model.Application, error) {
	// 1. Load application.
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return model.Application{}, err
	}

	// 2. Check the edge and the caller's authority over it.
	from := app.Status
	if err := lifecycle.Applications.Check(rctx, from, to, app.CandidateID); err != nil {
		return model.Application{}, err
	}

	// 3. Apply.
	app.Status = to
	if mutate != nil {
		if err := mutate(&app); err != nil {
			return model.Application{}, err
		}
	}

	// 4. Persist. A concurrent writer moved the row first.
	updated, err := s.store.UpdateApplication(ctx, app)
	if model.IsCode(err, model.ErrConflict) {
		return model.Application{}, model.NewInvalidStateError(
			fmt.Sprintf("application %s changed while moving to %s", id, to),
		).WithCause(err)
	}
	if err != nil {
		return model.Application{}, fmt.Errorf("updating application %s: %w", id, err)
	}

	// 5. Side effects.
	s.sink.Transition(ctx, rctx, audit.Transition{
		TenantID:   updated.TenantID,
		EntityType: model.EntityApplication,
		EntityID:   updated.ID,
		From:       string(from),
		To:         string(to),
		Data:       map[string]any{"analysis_cycle": updated.AnalysisCycle},
	})
	observability.RequestLogger(ctx, s.logger).Info("application transitioned",
		zap.String("application_id", updated.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return updated, nil
}

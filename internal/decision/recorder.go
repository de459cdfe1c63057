// Package decision records analysts' rulings on applications under
// analysis. A decision and the status change it causes are written in one
// store call; two concurrent rulings on the same analysis cycle cannot both
// succeed.
package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/application"
	"github.com/pitabwire/accredit/internal/audit"
	"github.com/pitabwire/accredit/internal/lifecycle"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/internal/store"
	"github.com/pitabwire/accredit/model"
)

// Metrics counts recorded decisions by outcome.
type Metrics interface {
	RecordDecision(outcome string)
}

// Recorder writes decisions.
type Recorder struct {
	store   store.ApplicationStore
	sink    *audit.Sink
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewRecorder creates a decision recorder. metrics may be nil.
func NewRecorder(s store.ApplicationStore, sink *audit.Sink, metrics Metrics, logger *zap.Logger) *Recorder {
	return &Recorder{store: s, sink: sink, metrics: metrics, logger: logger, now: time.Now}
}

// RecordDecision rules on an application that is under analysis and moves
// it to the outcome status.
func (r *Recorder) RecordDecision(ctx context.Context, rctx *model.RequestContext, req model.DecisionRequest) (model.Decision, error) {
	ctx, span := observability.StartSpan(ctx, "decision.record",
		observability.AttrApplicationID.String(req.ApplicationID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	d, app, err := r.record(ctx, rctx, req)
	if err != nil {
		return model.Decision{}, err
	}

	r.sink.Transition(ctx, rctx, audit.Transition{
		TenantID:   app.TenantID,
		EntityType: model.EntityApplication,
		EntityID:   app.ID,
		Action:     "decision_recorded",
		From:       string(model.ApplicationUnderAnalysis),
		To:         string(d.Outcome),
		Data: map[string]any{
			"decision_id":   d.ID,
			"cycle":         d.Cycle,
			"justification": d.Justification,
		},
	})
	r.sink.Notify(ctx, notificationFor(app, d))
	if r.metrics != nil {
		r.metrics.RecordDecision(string(d.Outcome))
	}
	observability.RequestLogger(ctx, r.logger).Info("decision recorded",
		zap.String("application_id", app.ID),
		zap.String("decision_id", d.ID),
		zap.String("outcome", string(d.Outcome)),
		zap.Int("cycle", d.Cycle),
	)
	return d, nil
}

func (r *Recorder) record(ctx context.Context, rctx *model.RequestContext, req model.DecisionRequest) (model.Decision, model.Application, error) {
	// 1. Authority.
	if !rctx.Can(model.CapApplicationDecide) {
		return model.Decision{}, model.Application{}, model.NewNotAuthorizedError("analyst or manager capability is required to record a decision")
	}

	// 2. Request shape.
	now := r.now().UTC()
	if errs := req.Validate(now); len(errs) > 0 {
		return model.Decision{}, model.Application{}, model.NewValidationError(errs)
	}

	// 3. Load application.
	app, err := r.store.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		return model.Decision{}, model.Application{}, err
	}

	// 4. Only an application under analysis can be decided.
	if app.Status != model.ApplicationUnderAnalysis {
		return model.Decision{}, model.Application{}, model.NewInvalidStateError(
			fmt.Sprintf("application %s is %s, not under_analysis", app.ID, app.Status),
		)
	}
	if err := lifecycle.Applications.Check(rctx, app.Status, req.Outcome, app.CandidateID); err != nil {
		return model.Decision{}, model.Application{}, err
	}

	// 5. Build decision and the new application state.
	d := model.Decision{
		ID:                uuid.NewString(),
		ApplicationID:     app.ID,
		AnalystID:         rctx.SubjectID,
		Cycle:             app.AnalysisCycle,
		Outcome:           req.Outcome,
		Justification:     req.Justification,
		RejectedFields:    req.RejectedFields,
		RejectedDocuments: req.RejectedDocuments,
		DecidedAt:         now,
	}
	app.Status = req.Outcome
	app.CorrectionDeadline = nil
	if req.Outcome == model.ApplicationPendingCorrection && req.CorrectionDeadline != nil {
		deadline := req.CorrectionDeadline.UTC()
		d.CorrectionDeadline = &deadline
		app.CorrectionDeadline = &deadline
	}

	// 6. Write both atomically. Losing a race means another decision won.
	updated, err := r.store.RecordDecision(ctx, app, d)
	if model.IsCode(err, model.ErrConflict) {
		return model.Decision{}, model.Application{}, model.NewInvalidStateError(
			fmt.Sprintf("application %s was decided concurrently", app.ID),
		).WithCause(err)
	}
	if err != nil {
		return model.Decision{}, model.Application{}, fmt.Errorf("recording decision for %s: %w", app.ID, err)
	}
	return d, updated, nil
}

// ListDecisions returns an application's decisions, newest first.
func (r *Recorder) ListDecisions(ctx context.Context, rctx *model.RequestContext, applicationID string) ([]model.Decision, error) {
	app, err := r.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if !application.CanView(rctx, app) {
		return nil, model.NewNotAuthorizedError("not allowed to view this application")
	}
	return r.store.ListDecisions(ctx, applicationID)
}

func notificationFor(app model.Application, d model.Decision) model.Notification {
	n := model.Notification{
		TenantID:    app.TenantID,
		RecipientID: app.CandidateID,
		EntityType:  model.EntityApplication,
		EntityID:    app.ID,
	}
	switch d.Outcome {
	case model.ApplicationApproved:
		n.Title = "Application approved"
		n.Message = "Your application was approved. The contract will be sent for signature."
	case model.ApplicationRejected:
		n.Title = "Application rejected"
		n.Message = d.Justification
	case model.ApplicationPendingCorrection:
		n.Title = "Corrections requested"
		n.Message = d.Justification
		if d.CorrectionDeadline != nil {
			n.Message = fmt.Sprintf("%s (deadline %s)", d.Justification, d.CorrectionDeadline.Format("2006-01-02"))
		}
	}
	return n
}

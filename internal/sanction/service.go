// Package sanction applies disciplinary sanctions to providers and mirrors
// the sanctions in effect onto the provider's status.
package sanction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/accreditation"
	"github.com/pitabwire/accredit/internal/audit"
	"github.com/pitabwire/accredit/internal/lifecycle"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/internal/store"
	"github.com/pitabwire/accredit/model"
)

const mirrorAttempts = 3

// Store is the persistence the service needs.
type Store interface {
	store.SanctionStore
	store.ProviderStore
}

// Metrics counts schedule-driven updates.
type Metrics interface {
	RecordSanctionScheduleUpdate(kind string)
}

// Service manages sanctions.
type Service struct {
	store   Store
	sink    *audit.Sink
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a sanction service. metrics may be nil.
func NewService(s Store, sink *audit.Sink, metrics Metrics, logger *zap.Logger) *Service {
	return &Service{store: s, sink: sink, metrics: metrics, logger: logger, now: time.Now}
}

// Apply creates an active sanction and updates the provider's status.
func (s *Service) Apply(ctx context.Context, rctx *model.RequestContext, req model.SanctionRequest) (_ model.Sanction, err error) {
	ctx, span := observability.StartSpan(ctx, "sanction.apply",
		observability.AttrProviderID.String(req.ProviderID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Authority and shape.
	if !rctx.Can(model.CapSanctionApply) {
		return model.Sanction{}, model.NewNotAuthorizedError("not allowed to apply sanctions")
	}
	if errs := req.Validate(); len(errs) > 0 {
		return model.Sanction{}, model.NewValidationError(errs)
	}
	now := s.now().UTC()
	startsAt := now
	if req.StartsAt != nil {
		startsAt = req.StartsAt.UTC()
	}
	if req.EndsAt != nil && !req.EndsAt.After(startsAt) {
		return model.Sanction{}, model.NewValidationError([]model.FieldError{
			{Field: "ends_at", Code: "INVALID", Message: "end date must be after start date"},
		})
	}

	// 2. The provider must exist.
	p, err := s.store.GetProvider(ctx, req.ProviderID)
	if err != nil {
		return model.Sanction{}, err
	}

	// 3. Persist.
	sn := model.Sanction{
		ID:         uuid.NewString(),
		TenantID:   p.TenantID,
		ProviderID: p.ID,
		Type:       req.Type,
		Status:     model.SanctionActive,
		Reason:     req.Reason,
		StartsAt:   startsAt,
		EndsAt:     req.EndsAt,
		AppliedBy:  rctx.SubjectID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	span.SetAttributes(observability.AttrSanctionID.String(sn.ID))
	if err := s.store.CreateSanction(ctx, sn); err != nil {
		return model.Sanction{}, fmt.Errorf("creating sanction: %w", err)
	}

	// 4. Side effects.
	s.sink.Transition(ctx, rctx, audit.Transition{
		TenantID:   sn.TenantID,
		EntityType: model.EntitySanction,
		EntityID:   sn.ID,
		Action:     "applied",
		To:         string(sn.Status),
		Data:       map[string]any{"provider_id": p.ID, "type": string(sn.Type), "reason": sn.Reason},
	})
	s.sink.Notify(ctx, model.Notification{
		TenantID:    p.TenantID,
		RecipientID: p.CandidateID,
		Title:       "Sanction applied",
		Message:     fmt.Sprintf("A %s was applied to your accreditation: %s", sn.Type, sn.Reason),
		EntityType:  model.EntitySanction,
		EntityID:    sn.ID,
	})
	if err := s.mirror(ctx, rctx, p.ID, now); err != nil {
		s.log(ctx).Error("provider status mirror failed", zap.String("provider_id", p.ID), zap.Error(err))
	}
	return sn, nil
}

// Transition moves a sanction along its lifecycle and re-mirrors the
// provider's status.
func (s *Service) Transition(ctx context.Context, rctx *model.RequestContext, id string, to model.SanctionStatus, reason string) (_ model.Sanction, err error) {
	ctx, span := observability.StartSpan(ctx, "sanction.transition",
		observability.AttrSanctionID.String(id),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	sn, from, err := s.move(ctx, rctx, id, to, reason)
	if err != nil {
		return model.Sanction{}, err
	}
	span.SetAttributes(observability.AttrProviderID.String(sn.ProviderID))
	if err := s.mirror(ctx, rctx, sn.ProviderID, s.now().UTC()); err != nil {
		s.log(ctx).Error("provider status mirror failed", zap.String("provider_id", sn.ProviderID), zap.Error(err))
	}
	s.log(ctx).Info("sanction transitioned",
		zap.String("sanction_id", sn.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return sn, nil
}

func (s *Service) move(ctx context.Context, rctx *model.RequestContext, id string, to model.SanctionStatus, reason string) (model.Sanction, model.SanctionStatus, error) {
	sn, err := s.store.GetSanction(ctx, id)
	if err != nil {
		return model.Sanction{}, "", err
	}
	from := sn.Status
	if err := lifecycle.Sanctions.Check(rctx, from, to, ""); err != nil {
		return model.Sanction{}, "", err
	}
	sn.Status = to
	updated, err := s.store.UpdateSanction(ctx, sn)
	if model.IsCode(err, model.ErrConflict) {
		return model.Sanction{}, "", model.NewInvalidStateError(
			fmt.Sprintf("sanction %s changed while moving to %s", id, to),
		).WithCause(err)
	}
	if err != nil {
		return model.Sanction{}, "", fmt.Errorf("updating sanction %s: %w", id, err)
	}

	data := map[string]any{"provider_id": updated.ProviderID}
	if reason != "" {
		data["reason"] = reason
	}
	s.sink.Transition(ctx, rctx, audit.Transition{
		TenantID:   updated.TenantID,
		EntityType: model.EntitySanction,
		EntityID:   updated.ID,
		From:       string(from),
		To:         string(to),
		Data:       data,
	})
	return updated, from, nil
}

// List returns a provider's sanctions, visible to the provider's candidate
// or anyone allowed to view sanctions.
func (s *Service) List(ctx context.Context, rctx *model.RequestContext, providerID string) ([]model.Sanction, error) {
	p, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	staff := rctx.Can(model.CapSanctionView) && rctx.InTenant(p.TenantID)
	if !staff && !accreditation.CanView(rctx, p) {
		return nil, model.NewNotAuthorizedError("not allowed to view these sanctions")
	}
	return s.store.ListSanctions(ctx, model.SanctionFilter{ProviderID: providerID})
}

// ScheduleReport summarizes one schedule run.
type ScheduleReport struct {
	Served    int
	Mirrored  int
	Failures  int
	Providers int
}

// ProcessSchedule serves active sanctions whose end date has passed and
// re-mirrors every provider with an active sanction, which picks up
// sanctions whose start date arrived. Failures are logged and skipped.
func (s *Service) ProcessSchedule(ctx context.Context, now time.Time) (ScheduleReport, error) {
	rctx := model.SystemContext("sanction-scheduler")
	active, err := s.store.ListSanctions(ctx, model.SanctionFilter{
		Statuses: []model.SanctionStatus{model.SanctionActive},
	})
	if err != nil {
		return ScheduleReport{}, fmt.Errorf("listing active sanctions: %w", err)
	}

	var report ScheduleReport
	providers := make(map[string]struct{})
	for _, sn := range active {
		providers[sn.ProviderID] = struct{}{}
		if sn.EndsAt == nil || now.Before(*sn.EndsAt) {
			continue
		}
		if _, _, err := s.move(ctx, rctx, sn.ID, model.SanctionServed, "end date reached"); err != nil {
			report.Failures++
			s.log(ctx).Warn("serving sanction failed", zap.String("sanction_id", sn.ID), zap.Error(err))
			continue
		}
		report.Served++
		s.count("served")
	}

	for providerID := range providers {
		report.Providers++
		changed, err := s.mirrorOnce(ctx, rctx, providerID, now)
		if err != nil {
			report.Failures++
			s.log(ctx).Warn("mirroring provider status failed", zap.String("provider_id", providerID), zap.Error(err))
			continue
		}
		if changed {
			report.Mirrored++
			s.count("mirrored")
		}
	}
	return report, nil
}

// Run processes the schedule every interval until ctx ends.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.ProcessSchedule(ctx, s.now().UTC())
			if err != nil {
				s.logger.Error("sanction schedule failed", zap.Error(err))
				continue
			}
			if report.Served > 0 || report.Mirrored > 0 || report.Failures > 0 {
				s.logger.Info("sanction schedule processed",
					zap.Int("served", report.Served),
					zap.Int("mirrored", report.Mirrored),
					zap.Int("failures", report.Failures),
				)
			}
		}
	}
}

// DesiredStatus is the provider status implied by the sanctions in effect
// at now. Deaccreditation wins over suspension.
func DesiredStatus(sanctions []model.Sanction, now time.Time) model.ProviderStatus {
	status := model.ProviderActive
	for _, sn := range sanctions {
		if !sn.InEffect(now) {
			continue
		}
		switch sn.Type {
		case model.SanctionDeaccreditation:
			return model.ProviderDeaccredited
		case model.SanctionSuspension:
			status = model.ProviderSuspended
		}
	}
	return status
}

func (s *Service) mirror(ctx context.Context, rctx *model.RequestContext, providerID string, now time.Time) error {
	_, err := s.mirrorOnce(ctx, rctx, providerID, now)
	return err
}

// mirrorOnce sets the provider's status from its sanctions, retrying on
// version conflicts. It reports whether the status changed.
func (s *Service) mirrorOnce(ctx context.Context, rctx *model.RequestContext, providerID string, now time.Time) (bool, error) {
	for attempt := 1; ; attempt++ {
		p, err := s.store.GetProvider(ctx, providerID)
		if err != nil {
			return false, err
		}
		sanctions, err := s.store.ListSanctions(ctx, model.SanctionFilter{ProviderID: providerID})
		if err != nil {
			return false, err
		}
		want := DesiredStatus(sanctions, now)
		if p.Status == want {
			return false, nil
		}

		from := p.Status
		p.Status = want
		updated, err := s.store.UpdateProvider(ctx, p)
		if model.IsCode(err, model.ErrConflict) && attempt < mirrorAttempts {
			continue
		}
		if err != nil {
			return false, err
		}

		s.sink.Transition(ctx, rctx, audit.Transition{
			TenantID:   updated.TenantID,
			EntityType: model.EntityProvider,
			EntityID:   updated.ID,
			Action:     "status_mirrored",
			From:       string(from),
			To:         string(want),
		})
		s.sink.Notify(ctx, model.Notification{
			TenantID:    updated.TenantID,
			RecipientID: updated.CandidateID,
			Title:       "Accreditation status changed",
			Message:     fmt.Sprintf("Your accreditation is now %s.", want),
			EntityType:  model.EntityProvider,
			EntityID:    updated.ID,
		})
		return true, nil
	}
}

func (s *Service) count(kind string) {
	if s.metrics != nil {
		s.metrics.RecordSanctionScheduleUpdate(kind)
	}
}

func (s *Service) log(ctx context.Context) *zap.Logger {
	return observability.RequestLogger(ctx, s.logger)
}

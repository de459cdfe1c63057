// Package accreditation maintains provider records created from signed
// contracts and the certificates that attest them.
package accreditation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/audit"
	"github.com/pitabwire/accredit/internal/config"
	"github.com/pitabwire/accredit/internal/gateway"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/internal/store"
	"github.com/pitabwire/accredit/model"
)

const syncAttempts = 3

// Store is the persistence the service needs.
type Store interface {
	store.ApplicationStore
	store.ProviderStore
}

// Geocoder resolves an address to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (gateway.GeocodeResult, error)
}

// Service syncs providers and validates certificates.
type Service struct {
	store    Store
	geocoder Geocoder
	sink     *audit.Sink
	logger   *zap.Logger
	cfg      config.CertificatesConfig
	now      func() time.Time
}

// NewService creates an accreditation service. geocoder may be nil.
func NewService(s Store, geocoder Geocoder, sink *audit.Sink, logger *zap.Logger, cfg config.CertificatesConfig) *Service {
	return &Service{store: s, geocoder: geocoder, sink: sink, logger: logger, cfg: cfg, now: time.Now}
}

// SyncFromContract creates or refreshes the provider of a signed contract
// from its application's submission and issues a certificate when the
// provider holds no current one.
func (s *Service) SyncFromContract(ctx context.Context, rctx *model.RequestContext, c model.Contract) (model.Provider, error) {
	ctx, span := observability.StartSpan(ctx, "accreditation.sync",
		observability.AttrContractID.String(c.ID),
		observability.AttrApplicationID.String(c.ApplicationID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if c.Status != model.ContractSigned {
		err = model.NewInvalidStateError(fmt.Sprintf("contract %s is %s, not signed", c.ID, c.Status))
		return model.Provider{}, err
	}
	app, err := s.store.GetApplication(ctx, c.ApplicationID)
	if err != nil {
		return model.Provider{}, err
	}

	var p model.Provider
	var created bool
	for attempt := 1; ; attempt++ {
		p, created, err = s.upsert(ctx, app, c)
		if err == nil || !model.IsCode(err, model.ErrConflict) || attempt == syncAttempts {
			break
		}
	}
	if err != nil {
		return model.Provider{}, fmt.Errorf("syncing provider for application %s: %w", app.ID, err)
	}
	span.SetAttributes(observability.AttrProviderID.String(p.ID))

	action := "updated"
	if created {
		action = "created"
	}
	s.sink.Transition(ctx, rctx, audit.Transition{
		TenantID:   p.TenantID,
		EntityType: model.EntityProvider,
		EntityID:   p.ID,
		Action:     action,
		To:         string(p.Status),
		Data:       map[string]any{"contract_id": c.ID, "application_id": app.ID},
	})

	cert, issued, cerr := s.ensureCertificate(ctx, p)
	if cerr != nil {
		observability.RequestLogger(ctx, s.logger).Error("certificate issue failed",
			zap.String("provider_id", p.ID), zap.Error(cerr))
	} else if issued {
		s.sink.Record(ctx, rctx, model.AuditEntry{
			TenantID:   p.TenantID,
			EntityType: model.EntityProvider,
			EntityID:   p.ID,
			Action:     "certificate_issued",
			Data:       map[string]any{"number": cert.Number, "valid_until": cert.ValidUntil},
		})
		s.sink.Notify(ctx, model.Notification{
			TenantID:    p.TenantID,
			RecipientID: p.CandidateID,
			Title:       "Accreditation certificate issued",
			Message:     fmt.Sprintf("Certificate %s is valid until %s. Verification code: %s.", cert.Number, cert.ValidUntil.Format("2006-01-02"), cert.Code),
			EntityType:  model.EntityProvider,
			EntityID:    p.ID,
		})
	}
	return p, nil
}

// Synced reports whether the provider of c's application was last synced
// from c.
func (s *Service) Synced(ctx context.Context, c model.Contract) (bool, error) {
	p, err := s.store.GetProviderByApplication(ctx, c.ApplicationID)
	if model.IsCode(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.ContractID == c.ID, nil
}

func (s *Service) upsert(ctx context.Context, app model.Application, c model.Contract) (model.Provider, bool, error) {
	now := s.now().UTC()
	existing, err := s.store.GetProviderByApplication(ctx, app.ID)
	switch {
	case model.IsCode(err, model.ErrNotFound):
		p := model.Provider{
			ID:            uuid.NewString(),
			TenantID:      app.TenantID,
			ApplicationID: app.ID,
			CandidateID:   app.CandidateID,
			ProgramID:     app.ProgramID,
			Status:        model.ProviderActive,
			AccreditedAt:  now,
			UpdatedAt:     now,
			Version:       1,
		}
		applySubmission(&p, app, c)
		s.locate(ctx, &p, "")
		if err := s.store.CreateProvider(ctx, p); err != nil {
			return model.Provider{}, false, err
		}
		return p, true, nil
	case err != nil:
		return model.Provider{}, false, err
	}

	previousAddress := existing.Address
	applySubmission(&existing, app, c)
	s.locate(ctx, &existing, previousAddress)
	updated, err := s.store.UpdateProvider(ctx, existing)
	if err != nil {
		return model.Provider{}, false, err
	}
	return updated, false, nil
}

func applySubmission(p *model.Provider, app model.Application, c model.Contract) {
	p.ContractID = c.ID
	p.Name = app.PayloadString("name")
	p.TaxID = gateway.Digits(app.PayloadString("tax_id"))
	p.License = strings.ToUpper(strings.TrimSpace(app.PayloadString("license")))
	p.Specialty = app.PayloadString("specialty")
	p.Email = app.PayloadString("email")
	p.Address = strings.TrimSpace(app.PayloadString("address"))
}

// locate geocodes the provider's address when it is new or changed.
// Failures leave the coordinates as they were.
func (s *Service) locate(ctx context.Context, p *model.Provider, previousAddress string) {
	if s.geocoder == nil || p.Address == "" {
		return
	}
	if p.Latitude != nil && gateway.NormalizeAddress(previousAddress) == gateway.NormalizeAddress(p.Address) {
		return
	}
	res, err := s.geocoder.Geocode(ctx, p.Address)
	if err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("provider geocoding failed",
			zap.String("provider_id", p.ID), zap.Error(err))
		return
	}
	lat, lon := res.Latitude, res.Longitude
	p.Latitude, p.Longitude = &lat, &lon
}

func (s *Service) ensureCertificate(ctx context.Context, p model.Provider) (model.Certificate, bool, error) {
	now := s.now().UTC()
	certs, err := s.store.ListCertificates(ctx, p.ID)
	if err != nil {
		return model.Certificate{}, false, err
	}
	for _, c := range certs {
		if c.RevokedAt == nil && now.Before(c.ValidUntil) {
			return c, false, nil
		}
	}

	cert := model.Certificate{
		ID:         uuid.NewString(),
		ProviderID: p.ID,
		IssuedAt:   now,
		ValidUntil: now.Add(s.cfg.Validity),
	}
	for attempt := 1; ; attempt++ {
		cert.Code = verificationCode()
		cert.Number = fmt.Sprintf("%s-%d-%s", s.cfg.NumberPrefix, now.Year(), cert.Code[:8])
		err = s.store.CreateCertificate(ctx, cert)
		if err == nil {
			return cert, true, nil
		}
		if !model.IsCode(err, model.ErrConflict) || attempt == syncAttempts {
			return model.Certificate{}, false, err
		}
	}
}

func verificationCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// ValidateCertificate is the public certificate check. It exposes only the
// holder's public fields.
func (s *Service) ValidateCertificate(ctx context.Context, code string) (model.CertificateCheck, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return model.CertificateCheck{}, model.NewValidationError([]model.FieldError{
			{Field: "code", Code: "REQUIRED", Message: "verification code is required"},
		})
	}
	cert, err := s.store.GetCertificateByCode(ctx, code)
	if err != nil {
		return model.CertificateCheck{}, err
	}
	p, err := s.store.GetProvider(ctx, cert.ProviderID)
	if err != nil {
		return model.CertificateCheck{}, fmt.Errorf("loading certificate holder: %w", err)
	}

	check := model.CertificateCheck{
		Status:     model.CertificateValid,
		Number:     cert.Number,
		HolderName: p.Name,
		Specialty:  p.Specialty,
		ProgramID:  p.ProgramID,
		IssuedAt:   cert.IssuedAt,
		ValidUntil: cert.ValidUntil,
	}
	switch {
	case cert.RevokedAt != nil, p.Status == model.ProviderSuspended, p.Status == model.ProviderDeaccredited:
		check.Status = model.CertificateRevoked
	case !s.now().Before(cert.ValidUntil):
		check.Status = model.CertificateExpired
	}
	return check, nil
}

// GetProvider returns a provider visible to the caller: the accredited
// candidate or anyone allowed to view providers.
func (s *Service) GetProvider(ctx context.Context, rctx *model.RequestContext, id string) (model.Provider, error) {
	p, err := s.store.GetProvider(ctx, id)
	if err != nil {
		return model.Provider{}, err
	}
	if !CanView(rctx, p) {
		return model.Provider{}, model.NewNotAuthorizedError("not allowed to view this provider")
	}
	return p, nil
}

// CanView reports whether rctx may read p. Staff readers must share the
// provider's tenant.
func CanView(rctx *model.RequestContext, p model.Provider) bool {
	if rctx == nil {
		return false
	}
	if p.CandidateID == rctx.SubjectID {
		return true
	}
	return rctx.Can(model.CapProviderView) && rctx.InTenant(p.TenantID)
}

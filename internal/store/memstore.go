package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/accredit/model"
)

// MemoryStore is an in-memory Store for tests and local runs. A single
// mutex serializes every write, which gives RecordDecision, CreateContract
// and SupersedeAndCreate the same all-or-nothing behavior as the SQL store.
type MemoryStore struct {
	mu            sync.RWMutex
	applications  map[string]model.Application
	decisions     map[string][]model.Decision // key: application ID
	contracts     map[string]model.Contract
	providers     map[string]model.Provider
	certificates  map[string]model.Certificate // key: code
	sanctions     map[string]model.Sanction
	audit         []model.AuditEntry
	notifications []model.Notification
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		applications: make(map[string]model.Application),
		decisions:    make(map[string][]model.Decision),
		contracts:    make(map[string]model.Contract),
		providers:    make(map[string]model.Provider),
		certificates: make(map[string]model.Certificate),
		sanctions:    make(map[string]model.Sanction),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// --- applications ---

// CreateApplication persists a new application.
func (s *MemoryStore) CreateApplication(_ context.Context, app model.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.applications[app.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("application %q already exists", app.ID))
	}
	s.applications[app.ID] = app
	return nil
}

// GetApplication retrieves an application by ID.
func (s *MemoryStore) GetApplication(_ context.Context, id string) (model.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.applications[id]
	if !ok {
		return model.Application{}, model.NewNotFoundError(fmt.Sprintf("application %q not found", id))
	}
	return app, nil
}

// ListApplications returns applications matching the filter, newest first.
func (s *MemoryStore) ListApplications(_ context.Context, f model.ApplicationFilter) ([]model.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Application
	for _, app := range s.applications {
		if f.TenantID != "" && app.TenantID != f.TenantID {
			continue
		}
		if f.CandidateID != "" && app.CandidateID != f.CandidateID {
			continue
		}
		if f.ProgramID != "" && app.ProgramID != f.ProgramID {
			continue
		}
		if f.Status != "" && app.Status != f.Status {
			continue
		}
		result = append(result, app)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && f.Limit < len(result) {
		result = result[:f.Limit]
	}
	return result, nil
}

// UpdateApplication persists app with optimistic locking.
func (s *MemoryStore) UpdateApplication(_ context.Context, app model.Application) (model.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkApplicationVersion(app); err != nil {
		return model.Application{}, err
	}
	app.Version++
	app.UpdatedAt = time.Now().UTC()
	s.applications[app.ID] = app
	return app, nil
}

// RecordDecision atomically inserts the decision and updates the application.
func (s *MemoryStore) RecordDecision(_ context.Context, app model.Application, d model.Decision) (model.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkApplicationVersion(app); err != nil {
		return model.Application{}, err
	}
	for _, existing := range s.decisions[app.ID] {
		if existing.Cycle == d.Cycle {
			return model.Application{}, model.NewConflictError(
				fmt.Sprintf("application %q already has a decision for cycle %d", app.ID, d.Cycle),
			)
		}
	}

	app.Version++
	app.UpdatedAt = time.Now().UTC()
	s.applications[app.ID] = app
	s.decisions[app.ID] = append(s.decisions[app.ID], d)
	return app, nil
}

func (s *MemoryStore) checkApplicationVersion(app model.Application) error {
	existing, ok := s.applications[app.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("application %q not found", app.ID))
	}
	if existing.Version != app.Version {
		return model.NewConflictError(
			fmt.Sprintf("application %q version conflict (expected %d, got %d)", app.ID, app.Version, existing.Version),
		)
	}
	return nil
}

// ListDecisions returns an application's decisions, newest first.
func (s *MemoryStore) ListDecisions(_ context.Context, applicationID string) ([]model.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := slices.Clone(s.decisions[applicationID])
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Cycle > result[j].Cycle
	})
	return result, nil
}

// LatestDecision returns the most recent decision for an application.
func (s *MemoryStore) LatestDecision(ctx context.Context, applicationID string) (model.Decision, error) {
	decisions, _ := s.ListDecisions(ctx, applicationID)
	if len(decisions) == 0 {
		return model.Decision{}, model.NewNotFoundError(
			fmt.Sprintf("application %q has no decision", applicationID),
		)
	}
	return decisions[0], nil
}

// --- contracts ---

// CreateContract persists a new contract.
func (s *MemoryStore) CreateContract(_ context.Context, c model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contracts[c.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("contract %q already exists", c.ID))
	}
	for _, existing := range s.contracts {
		if existing.Number == c.Number {
			return model.NewConflictError(fmt.Sprintf("contract number %q is taken", c.Number))
		}
		if c.Active() && existing.ApplicationID == c.ApplicationID && existing.Active() {
			return model.NewConflictError(
				fmt.Sprintf("application %q already has contract %q", c.ApplicationID, existing.ID),
			)
		}
	}
	s.contracts[c.ID] = c
	return nil
}

// SupersedeAndCreate persists old and inserts fresh under one lock.
func (s *MemoryStore) SupersedeAndCreate(_ context.Context, old, fresh model.Contract) (model.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.contracts[old.ID]
	if !ok {
		return model.Contract{}, model.NewNotFoundError(fmt.Sprintf("contract %q not found", old.ID))
	}
	if existing.Version != old.Version {
		return model.Contract{}, model.NewConflictError(
			fmt.Sprintf("contract %q version conflict (expected %d, got %d)", old.ID, old.Version, existing.Version),
		)
	}
	if _, exists := s.contracts[fresh.ID]; exists {
		return model.Contract{}, model.NewConflictError(fmt.Sprintf("contract %q already exists", fresh.ID))
	}
	for _, c := range s.contracts {
		if c.Number == fresh.Number {
			return model.Contract{}, model.NewConflictError(fmt.Sprintf("contract number %q is taken", fresh.Number))
		}
		if c.ID == old.ID && !old.Active() {
			continue
		}
		if fresh.Active() && c.ApplicationID == fresh.ApplicationID && c.Active() {
			return model.Contract{}, model.NewConflictError(
				fmt.Sprintf("application %q already has contract %q", fresh.ApplicationID, c.ID),
			)
		}
	}
	old.Version++
	old.UpdatedAt = time.Now().UTC()
	s.contracts[old.ID] = old
	s.contracts[fresh.ID] = fresh
	return old, nil
}

// GetContract retrieves a contract by ID.
func (s *MemoryStore) GetContract(_ context.Context, id string) (model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return model.Contract{}, model.NewNotFoundError(fmt.Sprintf("contract %q not found", id))
	}
	return c, nil
}

// GetContractByProviderDocument resolves the signing provider's reference.
func (s *MemoryStore) GetContractByProviderDocument(_ context.Context, documentID string) (model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.contracts {
		if documentID != "" && c.ProviderDocumentID == documentID {
			return c, nil
		}
	}
	return model.Contract{}, model.NewNotFoundError(
		fmt.Sprintf("no contract for provider document %q", documentID),
	)
}

// UpdateContract persists c with optimistic locking.
func (s *MemoryStore) UpdateContract(_ context.Context, c model.Contract) (model.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.contracts[c.ID]
	if !ok {
		return model.Contract{}, model.NewNotFoundError(fmt.Sprintf("contract %q not found", c.ID))
	}
	if existing.Version != c.Version {
		return model.Contract{}, model.NewConflictError(
			fmt.Sprintf("contract %q version conflict (expected %d, got %d)", c.ID, c.Version, existing.Version),
		)
	}
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	s.contracts[c.ID] = c
	return c, nil
}

// ListContracts returns contracts matching the filter, oldest update first.
func (s *MemoryStore) ListContracts(_ context.Context, f model.ContractFilter) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Contract
	for _, c := range s.contracts {
		if f.ApplicationID != "" && c.ApplicationID != f.ApplicationID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, c.Status) {
			continue
		}
		if f.UpdatedBefore != nil && !c.UpdatedAt.Before(*f.UpdatedBefore) {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if f.Limit > 0 && f.Limit < len(result) {
		result = result[:f.Limit]
	}
	return result, nil
}

// --- providers & certificates ---

// CreateProvider persists a new provider.
func (s *MemoryStore) CreateProvider(_ context.Context, p model.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.providers {
		if existing.ID == p.ID || existing.ApplicationID == p.ApplicationID {
			return model.NewConflictError(
				fmt.Sprintf("provider for application %q already exists", p.ApplicationID),
			)
		}
	}
	s.providers[p.ID] = p
	return nil
}

// GetProvider retrieves a provider by ID.
func (s *MemoryStore) GetProvider(_ context.Context, id string) (model.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.providers[id]
	if !ok {
		return model.Provider{}, model.NewNotFoundError(fmt.Sprintf("provider %q not found", id))
	}
	return p, nil
}

// GetProviderByApplication retrieves the provider created from an application.
func (s *MemoryStore) GetProviderByApplication(_ context.Context, applicationID string) (model.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.providers {
		if p.ApplicationID == applicationID {
			return p, nil
		}
	}
	return model.Provider{}, model.NewNotFoundError(
		fmt.Sprintf("no provider for application %q", applicationID),
	)
}

// UpdateProvider persists p with optimistic locking.
func (s *MemoryStore) UpdateProvider(_ context.Context, p model.Provider) (model.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.providers[p.ID]
	if !ok {
		return model.Provider{}, model.NewNotFoundError(fmt.Sprintf("provider %q not found", p.ID))
	}
	if existing.Version != p.Version {
		return model.Provider{}, model.NewConflictError(
			fmt.Sprintf("provider %q version conflict (expected %d, got %d)", p.ID, p.Version, existing.Version),
		)
	}
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	s.providers[p.ID] = p
	return p, nil
}

// CreateCertificate persists a certificate.
func (s *MemoryStore) CreateCertificate(_ context.Context, c model.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.certificates[c.Code]; exists {
		return model.NewConflictError(fmt.Sprintf("certificate code %q is taken", c.Code))
	}
	s.certificates[c.Code] = c
	return nil
}

// GetCertificateByCode retrieves a certificate by its public code.
func (s *MemoryStore) GetCertificateByCode(_ context.Context, code string) (model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.certificates[code]
	if !ok {
		return model.Certificate{}, model.NewNotFoundError("certificate not found")
	}
	return c, nil
}

// ListCertificates returns a provider's certificates, newest first.
func (s *MemoryStore) ListCertificates(_ context.Context, providerID string) ([]model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Certificate
	for _, c := range s.certificates {
		if c.ProviderID == providerID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].IssuedAt.After(result[j].IssuedAt)
	})
	return result, nil
}

// --- sanctions ---

// CreateSanction persists a new sanction.
func (s *MemoryStore) CreateSanction(_ context.Context, sn model.Sanction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sanctions[sn.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("sanction %q already exists", sn.ID))
	}
	s.sanctions[sn.ID] = sn
	return nil
}

// GetSanction retrieves a sanction by ID.
func (s *MemoryStore) GetSanction(_ context.Context, id string) (model.Sanction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sn, ok := s.sanctions[id]
	if !ok {
		return model.Sanction{}, model.NewNotFoundError(fmt.Sprintf("sanction %q not found", id))
	}
	return sn, nil
}

// UpdateSanction persists sn with optimistic locking.
func (s *MemoryStore) UpdateSanction(_ context.Context, sn model.Sanction) (model.Sanction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sanctions[sn.ID]
	if !ok {
		return model.Sanction{}, model.NewNotFoundError(fmt.Sprintf("sanction %q not found", sn.ID))
	}
	if existing.Version != sn.Version {
		return model.Sanction{}, model.NewConflictError(
			fmt.Sprintf("sanction %q version conflict (expected %d, got %d)", sn.ID, sn.Version, existing.Version),
		)
	}
	sn.Version++
	sn.UpdatedAt = time.Now().UTC()
	s.sanctions[sn.ID] = sn
	return sn, nil
}

// ListSanctions returns sanctions matching the filter ordered by start date.
func (s *MemoryStore) ListSanctions(_ context.Context, f model.SanctionFilter) ([]model.Sanction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Sanction
	for _, sn := range s.sanctions {
		if f.ProviderID != "" && sn.ProviderID != f.ProviderID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, sn.Status) {
			continue
		}
		if len(f.Types) > 0 && !slices.Contains(f.Types, sn.Type) {
			continue
		}
		result = append(result, sn)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartsAt.Before(result[j].StartsAt)
	})
	return result, nil
}

// --- audit ---

// AppendAudit adds an entry to the audit trail.
func (s *MemoryStore) AppendAudit(_ context.Context, e model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, e)
	return nil
}

// ListAudit returns an entity's audit trail ordered by timestamp.
func (s *MemoryStore) ListAudit(_ context.Context, entityType, entityID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.AuditEntry
	for _, e := range s.audit {
		if e.EntityType == entityType && e.EntityID == entityID {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// AppendNotification stores a user notification.
func (s *MemoryStore) AppendNotification(_ context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications = append(s.notifications, n)
	return nil
}

// ListNotifications returns a recipient's notifications, newest first.
func (s *MemoryStore) ListNotifications(_ context.Context, recipientID string) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Notification
	for _, n := range s.notifications {
		if n.RecipientID == recipientID {
			result = append(result, n)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

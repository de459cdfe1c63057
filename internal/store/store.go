// Package store persists applications, decisions, contracts, providers,
// sanctions, certificates and the audit trail. Writes to versioned rows use
// optimistic locking: the caller passes the version it read and the store
// returns CONFLICT when the row has moved on.
package store

import (
	"context"

	"github.com/pitabwire/accredit/model"
)

// ApplicationStore persists applications and their decisions.
type ApplicationStore interface {
	// CreateApplication persists a new application.
	CreateApplication(ctx context.Context, app model.Application) error

	// GetApplication retrieves an application by ID. Returns NOT_FOUND if
	// it doesn't exist.
	GetApplication(ctx context.Context, id string) (model.Application, error)

	// ListApplications returns applications matching the filter, newest
	// first.
	ListApplications(ctx context.Context, filter model.ApplicationFilter) ([]model.Application, error)

	// UpdateApplication persists app if app.Version matches the stored
	// version and returns the stored row with its new version.
	UpdateApplication(ctx context.Context, app model.Application) (model.Application, error)

	// RecordDecision atomically inserts the decision and updates the
	// application. Fails with CONFLICT when the application version moved
	// or a decision already exists for the same analysis cycle; nothing is
	// written in that case.
	RecordDecision(ctx context.Context, app model.Application, d model.Decision) (model.Application, error)

	// ListDecisions returns an application's decisions, newest first.
	ListDecisions(ctx context.Context, applicationID string) ([]model.Decision, error)

	// LatestDecision returns the most recent decision. Returns NOT_FOUND if
	// none exists.
	LatestDecision(ctx context.Context, applicationID string) (model.Decision, error)
}

// ContractStore persists contracts.
type ContractStore interface {
	// CreateContract persists a new contract. Fails with CONFLICT when the
	// number is taken or the application already has a non-superseded
	// contract.
	CreateContract(ctx context.Context, c model.Contract) error

	GetContract(ctx context.Context, id string) (model.Contract, error)

	// GetContractByProviderDocument resolves the signing provider's
	// tracking reference.
	GetContractByProviderDocument(ctx context.Context, documentID string) (model.Contract, error)

	// UpdateContract persists c with optimistic locking.
	UpdateContract(ctx context.Context, c model.Contract) (model.Contract, error)

	// SupersedeAndCreate persists old (with optimistic locking) and inserts
	// fresh atomically, returning the stored old row. Fails with CONFLICT
	// when old's version moved or fresh collides with an existing contract;
	// nothing is written in that case.
	SupersedeAndCreate(ctx context.Context, old, fresh model.Contract) (model.Contract, error)

	// ListContracts returns contracts matching the filter, oldest update
	// first.
	ListContracts(ctx context.Context, filter model.ContractFilter) ([]model.Contract, error)
}

// ProviderStore persists accredited providers and their certificates.
type ProviderStore interface {
	// CreateProvider persists a new provider. Fails with CONFLICT if a
	// provider already exists for the application.
	CreateProvider(ctx context.Context, p model.Provider) error

	GetProvider(ctx context.Context, id string) (model.Provider, error)
	GetProviderByApplication(ctx context.Context, applicationID string) (model.Provider, error)

	// UpdateProvider persists p with optimistic locking.
	UpdateProvider(ctx context.Context, p model.Provider) (model.Provider, error)

	CreateCertificate(ctx context.Context, c model.Certificate) error
	GetCertificateByCode(ctx context.Context, code string) (model.Certificate, error)

	// ListCertificates returns a provider's certificates, newest first.
	ListCertificates(ctx context.Context, providerID string) ([]model.Certificate, error)
}

// SanctionStore persists sanctions.
type SanctionStore interface {
	CreateSanction(ctx context.Context, s model.Sanction) error
	GetSanction(ctx context.Context, id string) (model.Sanction, error)

	// UpdateSanction persists s with optimistic locking.
	UpdateSanction(ctx context.Context, s model.Sanction) (model.Sanction, error)

	// ListSanctions returns sanctions matching the filter ordered by start
	// date.
	ListSanctions(ctx context.Context, filter model.SanctionFilter) ([]model.Sanction, error)
}

// AuditStore persists the audit trail and user notifications.
type AuditStore interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error

	// ListAudit returns an entity's audit trail ordered by timestamp.
	ListAudit(ctx context.Context, entityType, entityID string) ([]model.AuditEntry, error)

	AppendNotification(ctx context.Context, n model.Notification) error

	// ListNotifications returns a recipient's notifications, newest first.
	ListNotifications(ctx context.Context, recipientID string) ([]model.Notification, error)
}

// Store is the full persistence surface.
type Store interface {
	ApplicationStore
	ContractStore
	ProviderStore
	SanctionStore
	AuditStore

	// Ping checks connectivity. Used by the readiness check.
	Ping(ctx context.Context) error
}

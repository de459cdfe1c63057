package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/accredit/model"
)

const contractColumns = `id, tenant_id, application_id, number, template_id, status, document_key,
	COALESCE(provider_document_id, ''), COALESCE(failure_reason, ''),
	COALESCE(superseded_by, ''), COALESCE(supersedes, ''),
	generated_at, dispatched_at, viewed_at, signed_at, updated_at, version`

func scanContract(row pgx.Row) (model.Contract, error) {
	var c model.Contract
	err := row.Scan(
		&c.ID, &c.TenantID, &c.ApplicationID, &c.Number, &c.TemplateID, &c.Status, &c.DocumentKey,
		&c.ProviderDocumentID, &c.FailureReason,
		&c.SupersededBy, &c.Supersedes,
		&c.GeneratedAt, &c.DispatchedAt, &c.ViewedAt, &c.SignedAt, &c.UpdatedAt, &c.Version,
	)
	return c, err
}

// CreateContract inserts a new contract. The partial unique index on
// application_id enforces one non-superseded contract per application.
func (s *PgStore) CreateContract(ctx context.Context, c model.Contract) error {
	return insertContract(ctx, s.pool, c)
}

func insertContract(ctx context.Context, db execer, c model.Contract) error {
	_, err := db.Exec(ctx, `
		INSERT INTO contracts (
			id, tenant_id, application_id, number, template_id, status, document_key,
			provider_document_id, failure_reason, superseded_by, supersedes,
			generated_at, dispatched_at, viewed_at, signed_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		c.ID, c.TenantID, c.ApplicationID, c.Number, c.TemplateID, string(c.Status), c.DocumentKey,
		nullString(c.ProviderDocumentID), nullString(c.FailureReason), nullString(c.SupersededBy), nullString(c.Supersedes),
		c.GeneratedAt, c.DispatchedAt, c.ViewedAt, c.SignedAt, c.UpdatedAt, c.Version,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(
			fmt.Sprintf("contract %q conflicts with an existing contract for application %q", c.Number, c.ApplicationID),
		)
	}
	if err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}
	return nil
}

// GetContract retrieves a contract by ID.
func (s *PgStore) GetContract(ctx context.Context, id string) (model.Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
	if err != nil {
		return model.Contract{}, notFound(err, "contract %q not found", id)
	}
	return c, nil
}

// GetContractByProviderDocument resolves the signing provider's reference.
func (s *PgStore) GetContractByProviderDocument(ctx context.Context, documentID string) (model.Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE provider_document_id = $1`, documentID))
	if err != nil {
		return model.Contract{}, notFound(err, "no contract for provider document %q", documentID)
	}
	return c, nil
}

// UpdateContract persists c with optimistic locking.
func (s *PgStore) UpdateContract(ctx context.Context, c model.Contract) (model.Contract, error) {
	return updateContract(ctx, s.pool, c)
}

// SupersedeAndCreate updates old and inserts fresh in one transaction. The
// old row is written first so the partial unique index sees it superseded.
func (s *PgStore) SupersedeAndCreate(ctx context.Context, old, fresh model.Contract) (model.Contract, error) {
	var superseded model.Contract
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		superseded, err = updateContract(ctx, tx, old)
		if err != nil {
			return err
		}
		return insertContract(ctx, tx, fresh)
	})
	if err != nil {
		return model.Contract{}, err
	}
	return superseded, nil
}

func updateContract(ctx context.Context, db execer, c model.Contract) (model.Contract, error) {
	now := time.Now().UTC()
	tag, err := db.Exec(ctx, `
		UPDATE contracts SET
			status = $1,
			provider_document_id = $2,
			failure_reason = $3,
			superseded_by = $4,
			dispatched_at = $5,
			viewed_at = $6,
			signed_at = $7,
			version = $8,
			updated_at = $9
		WHERE id = $10 AND version = $11`,
		string(c.Status), nullString(c.ProviderDocumentID), nullString(c.FailureReason), nullString(c.SupersededBy),
		c.DispatchedAt, c.ViewedAt, c.SignedAt,
		c.Version+1, now,
		c.ID, c.Version,
	)
	if isUniqueViolation(err) {
		return model.Contract{}, model.NewConflictError(
			fmt.Sprintf("provider document %q is already linked to another contract", c.ProviderDocumentID),
		)
	}
	if err != nil {
		return model.Contract{}, fmt.Errorf("update contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Contract{}, model.NewConflictError(
			fmt.Sprintf("contract %q version conflict (expected %d)", c.ID, c.Version),
		)
	}
	c.Version++
	c.UpdatedAt = now
	return c, nil
}

// ListContracts returns contracts matching the filter, oldest update first.
func (s *PgStore) ListContracts(ctx context.Context, f model.ContractFilter) ([]model.Contract, error) {
	var w whereBuilder
	if f.ApplicationID != "" {
		w.add("application_id = $%d", f.ApplicationID)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY($%d)", toStrings(f.Statuses))
	}
	if f.UpdatedBefore != nil {
		w.add("updated_at < $%d", *f.UpdatedBefore)
	}
	query := `SELECT ` + contractColumns + ` FROM contracts` + w.String() + ` ORDER BY updated_at ASC` + w.limit(f.Limit)

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
	}
	defer rows.Close()

	var result []model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// --- providers ---

const providerColumns = `id, tenant_id, application_id, contract_id, candidate_id, program_id,
	name, tax_id, COALESCE(license, ''), COALESCE(specialty, ''), COALESCE(email, ''), COALESCE(address, ''),
	latitude, longitude, status, accredited_at, updated_at, version`

func scanProvider(row pgx.Row) (model.Provider, error) {
	var p model.Provider
	err := row.Scan(
		&p.ID, &p.TenantID, &p.ApplicationID, &p.ContractID, &p.CandidateID, &p.ProgramID,
		&p.Name, &p.TaxID, &p.License, &p.Specialty, &p.Email, &p.Address,
		&p.Latitude, &p.Longitude, &p.Status, &p.AccreditedAt, &p.UpdatedAt, &p.Version,
	)
	return p, err
}

// CreateProvider inserts a new provider.
func (s *PgStore) CreateProvider(ctx context.Context, p model.Provider) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO providers (
			id, tenant_id, application_id, contract_id, candidate_id, program_id,
			name, tax_id, license, specialty, email, address,
			latitude, longitude, status, accredited_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		p.ID, p.TenantID, p.ApplicationID, p.ContractID, p.CandidateID, p.ProgramID,
		p.Name, p.TaxID, nullString(p.License), nullString(p.Specialty), nullString(p.Email), nullString(p.Address),
		p.Latitude, p.Longitude, string(p.Status), p.AccreditedAt, p.UpdatedAt, p.Version,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(
			fmt.Sprintf("provider for application %q already exists", p.ApplicationID),
		)
	}
	if err != nil {
		return fmt.Errorf("insert provider: %w", err)
	}
	return nil
}

// GetProvider retrieves a provider by ID.
func (s *PgStore) GetProvider(ctx context.Context, id string) (model.Provider, error) {
	p, err := scanProvider(s.pool.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = $1`, id))
	if err != nil {
		return model.Provider{}, notFound(err, "provider %q not found", id)
	}
	return p, nil
}

// GetProviderByApplication retrieves the provider created from an application.
func (s *PgStore) GetProviderByApplication(ctx context.Context, applicationID string) (model.Provider, error) {
	p, err := scanProvider(s.pool.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE application_id = $1`, applicationID))
	if err != nil {
		return model.Provider{}, notFound(err, "no provider for application %q", applicationID)
	}
	return p, nil
}

// UpdateProvider persists p with optimistic locking.
func (s *PgStore) UpdateProvider(ctx context.Context, p model.Provider) (model.Provider, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE providers SET
			contract_id = $1,
			name = $2,
			tax_id = $3,
			license = $4,
			specialty = $5,
			email = $6,
			address = $7,
			latitude = $8,
			longitude = $9,
			status = $10,
			version = $11,
			updated_at = $12
		WHERE id = $13 AND version = $14`,
		p.ContractID, p.Name, p.TaxID, nullString(p.License), nullString(p.Specialty), nullString(p.Email), nullString(p.Address),
		p.Latitude, p.Longitude, string(p.Status),
		p.Version+1, now,
		p.ID, p.Version,
	)
	if err != nil {
		return model.Provider{}, fmt.Errorf("update provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Provider{}, model.NewConflictError(
			fmt.Sprintf("provider %q version conflict (expected %d)", p.ID, p.Version),
		)
	}
	p.Version++
	p.UpdatedAt = now
	return p, nil
}

// --- certificates ---

const certificateColumns = `id, provider_id, number, code, issued_at, valid_until, revoked_at`

func scanCertificate(row pgx.Row) (model.Certificate, error) {
	var c model.Certificate
	err := row.Scan(&c.ID, &c.ProviderID, &c.Number, &c.Code, &c.IssuedAt, &c.ValidUntil, &c.RevokedAt)
	return c, err
}

// CreateCertificate inserts a certificate.
func (s *PgStore) CreateCertificate(ctx context.Context, c model.Certificate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO certificates (`+certificateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.ProviderID, c.Number, c.Code, c.IssuedAt, c.ValidUntil, c.RevokedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("certificate %q is taken", c.Number))
	}
	if err != nil {
		return fmt.Errorf("insert certificate: %w", err)
	}
	return nil
}

// GetCertificateByCode retrieves a certificate by its public code.
func (s *PgStore) GetCertificateByCode(ctx context.Context, code string) (model.Certificate, error) {
	c, err := scanCertificate(s.pool.QueryRow(ctx,
		`SELECT `+certificateColumns+` FROM certificates WHERE code = $1`, code))
	if err != nil {
		return model.Certificate{}, notFound(err, "certificate not found")
	}
	return c, nil
}

// ListCertificates returns a provider's certificates, newest first.
func (s *PgStore) ListCertificates(ctx context.Context, providerID string) ([]model.Certificate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+certificateColumns+` FROM certificates WHERE provider_id = $1 ORDER BY issued_at DESC`,
		providerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query certificates: %w", err)
	}
	defer rows.Close()

	var result []model.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// --- sanctions ---

const sanctionColumns = `id, tenant_id, provider_id, type, status, reason,
	starts_at, ends_at, applied_by, created_at, updated_at, version`

func scanSanction(row pgx.Row) (model.Sanction, error) {
	var sn model.Sanction
	err := row.Scan(
		&sn.ID, &sn.TenantID, &sn.ProviderID, &sn.Type, &sn.Status, &sn.Reason,
		&sn.StartsAt, &sn.EndsAt, &sn.AppliedBy, &sn.CreatedAt, &sn.UpdatedAt, &sn.Version,
	)
	return sn, err
}

// CreateSanction inserts a new sanction.
func (s *PgStore) CreateSanction(ctx context.Context, sn model.Sanction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sanctions (`+sanctionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sn.ID, sn.TenantID, sn.ProviderID, string(sn.Type), string(sn.Status), sn.Reason,
		sn.StartsAt, sn.EndsAt, sn.AppliedBy, sn.CreatedAt, sn.UpdatedAt, sn.Version,
	)
	if err != nil {
		return fmt.Errorf("insert sanction: %w", err)
	}
	return nil
}

// GetSanction retrieves a sanction by ID.
func (s *PgStore) GetSanction(ctx context.Context, id string) (model.Sanction, error) {
	sn, err := scanSanction(s.pool.QueryRow(ctx,
		`SELECT `+sanctionColumns+` FROM sanctions WHERE id = $1`, id))
	if err != nil {
		return model.Sanction{}, notFound(err, "sanction %q not found", id)
	}
	return sn, nil
}

// UpdateSanction persists sn with optimistic locking.
func (s *PgStore) UpdateSanction(ctx context.Context, sn model.Sanction) (model.Sanction, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE sanctions SET
			status = $1,
			reason = $2,
			ends_at = $3,
			version = $4,
			updated_at = $5
		WHERE id = $6 AND version = $7`,
		string(sn.Status), sn.Reason, sn.EndsAt,
		sn.Version+1, now,
		sn.ID, sn.Version,
	)
	if err != nil {
		return model.Sanction{}, fmt.Errorf("update sanction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Sanction{}, model.NewConflictError(
			fmt.Sprintf("sanction %q version conflict (expected %d)", sn.ID, sn.Version),
		)
	}
	sn.Version++
	sn.UpdatedAt = now
	return sn, nil
}

// ListSanctions returns sanctions matching the filter ordered by start date.
func (s *PgStore) ListSanctions(ctx context.Context, f model.SanctionFilter) ([]model.Sanction, error) {
	var w whereBuilder
	if f.ProviderID != "" {
		w.add("provider_id = $%d", f.ProviderID)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY($%d)", toStrings(f.Statuses))
	}
	if len(f.Types) > 0 {
		w.add("type = ANY($%d)", toStrings(f.Types))
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+sanctionColumns+` FROM sanctions`+w.String()+` ORDER BY starts_at ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query sanctions: %w", err)
	}
	defer rows.Close()

	var result []model.Sanction
	for rows.Next() {
		sn, err := scanSanction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sanction: %w", err)
		}
		result = append(result, sn)
	}
	return result, rows.Err()
}

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/accredit/model"
)

//go:embed schema.sql
var schemaSQL string

const pgUniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewNotFoundError(fmt.Sprintf(format, args...))
	}
	return err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// whereBuilder accumulates AND-ed conditions with positional arguments.
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *whereBuilder) limit(n int) string {
	if n <= 0 {
		return ""
	}
	w.args = append(w.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

func toStrings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// --- applications ---

const applicationColumns = `id, tenant_id, candidate_id, program_id, status, payload,
	analysis_cycle, correction_deadline, submitted_at, created_at, updated_at, version`

func scanApplication(row pgx.Row) (model.Application, error) {
	var app model.Application
	var payload []byte
	err := row.Scan(
		&app.ID, &app.TenantID, &app.CandidateID, &app.ProgramID, &app.Status, &payload,
		&app.AnalysisCycle, &app.CorrectionDeadline, &app.SubmittedAt, &app.CreatedAt, &app.UpdatedAt, &app.Version,
	)
	if err != nil {
		return model.Application{}, err
	}
	if err := unmarshalJSON(payload, &app.Payload); err != nil {
		return model.Application{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return app, nil
}

// CreateApplication inserts a new application.
func (s *PgStore) CreateApplication(ctx context.Context, app model.Application) error {
	payload, err := marshalJSON(app.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO applications (`+applicationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		app.ID, app.TenantID, app.CandidateID, app.ProgramID, string(app.Status), payload,
		app.AnalysisCycle, app.CorrectionDeadline, app.SubmittedAt, app.CreatedAt, app.UpdatedAt, app.Version,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("application %q already exists", app.ID))
	}
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

// GetApplication retrieves an application by ID.
func (s *PgStore) GetApplication(ctx context.Context, id string) (model.Application, error) {
	app, err := scanApplication(s.pool.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id))
	if err != nil {
		return model.Application{}, notFound(err, "application %q not found", id)
	}
	return app, nil
}

// ListApplications returns applications matching the filter, newest first.
func (s *PgStore) ListApplications(ctx context.Context, f model.ApplicationFilter) ([]model.Application, error) {
	var w whereBuilder
	if f.TenantID != "" {
		w.add("tenant_id = $%d", f.TenantID)
	}
	if f.CandidateID != "" {
		w.add("candidate_id = $%d", f.CandidateID)
	}
	if f.ProgramID != "" {
		w.add("program_id = $%d", f.ProgramID)
	}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	query := `SELECT ` + applicationColumns + ` FROM applications` + w.String() + ` ORDER BY created_at DESC` + w.limit(f.Limit)

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	var result []model.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		result = append(result, app)
	}
	return result, rows.Err()
}

// UpdateApplication persists app with optimistic locking.
func (s *PgStore) UpdateApplication(ctx context.Context, app model.Application) (model.Application, error) {
	return updateApplication(ctx, s.pool, app)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func updateApplication(ctx context.Context, db execer, app model.Application) (model.Application, error) {
	payload, err := marshalJSON(app.Payload)
	if err != nil {
		return model.Application{}, fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UTC()
	tag, err := db.Exec(ctx, `
		UPDATE applications SET
			status = $1,
			payload = $2,
			analysis_cycle = $3,
			correction_deadline = $4,
			submitted_at = $5,
			version = $6,
			updated_at = $7
		WHERE id = $8 AND version = $9`,
		string(app.Status), payload, app.AnalysisCycle, app.CorrectionDeadline, app.SubmittedAt,
		app.Version+1, now,
		app.ID, app.Version,
	)
	if err != nil {
		return model.Application{}, fmt.Errorf("update application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Application{}, model.NewConflictError(
			fmt.Sprintf("application %q version conflict (expected %d)", app.ID, app.Version),
		)
	}
	app.Version++
	app.UpdatedAt = now
	return app, nil
}

// RecordDecision inserts the decision and updates the application in one
// transaction.
func (s *PgStore) RecordDecision(ctx context.Context, app model.Application, d model.Decision) (model.Application, error) {
	fields, err := marshalJSON(d.RejectedFields)
	if err != nil {
		return model.Application{}, fmt.Errorf("marshal rejected fields: %w", err)
	}
	docs, err := marshalJSON(d.RejectedDocuments)
	if err != nil {
		return model.Application{}, fmt.Errorf("marshal rejected documents: %w", err)
	}

	var updated model.Application
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		updated, err = updateApplication(ctx, tx, app)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO decisions (
				id, application_id, analyst_id, cycle, outcome, justification,
				rejected_fields, rejected_documents, correction_deadline, decided_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			d.ID, d.ApplicationID, d.AnalystID, d.Cycle, string(d.Outcome), d.Justification,
			fields, docs, d.CorrectionDeadline, d.DecidedAt,
		)
		if isUniqueViolation(err) {
			return model.NewConflictError(
				fmt.Sprintf("application %q already has a decision for cycle %d", app.ID, d.Cycle),
			)
		}
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Application{}, err
	}
	return updated, nil
}

func scanDecision(row pgx.Row) (model.Decision, error) {
	var d model.Decision
	var fields, docs []byte
	err := row.Scan(
		&d.ID, &d.ApplicationID, &d.AnalystID, &d.Cycle, &d.Outcome, &d.Justification,
		&fields, &docs, &d.CorrectionDeadline, &d.DecidedAt,
	)
	if err != nil {
		return model.Decision{}, err
	}
	if err := unmarshalJSON(fields, &d.RejectedFields); err != nil {
		return model.Decision{}, fmt.Errorf("unmarshal rejected fields: %w", err)
	}
	if err := unmarshalJSON(docs, &d.RejectedDocuments); err != nil {
		return model.Decision{}, fmt.Errorf("unmarshal rejected documents: %w", err)
	}
	return d, nil
}

const decisionQuery = `
	SELECT id, application_id, analyst_id, cycle, outcome, justification,
	       rejected_fields, rejected_documents, correction_deadline, decided_at
	FROM decisions
	WHERE application_id = $1
	ORDER BY cycle DESC`

// ListDecisions returns an application's decisions, newest first.
func (s *PgStore) ListDecisions(ctx context.Context, applicationID string) ([]model.Decision, error) {
	rows, err := s.pool.Query(ctx, decisionQuery, applicationID)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var result []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// LatestDecision returns the most recent decision for an application.
func (s *PgStore) LatestDecision(ctx context.Context, applicationID string) (model.Decision, error) {
	d, err := scanDecision(s.pool.QueryRow(ctx, decisionQuery+` LIMIT 1`, applicationID))
	if err != nil {
		return model.Decision{}, notFound(err, "application %q has no decision", applicationID)
	}
	return d, nil
}

// --- audit ---

// AppendAudit adds an entry to the audit trail.
func (s *PgStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	data, err := marshalJSON(e.Data)
	if err != nil {
		return fmt.Errorf("marshal audit data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (
			id, tenant_id, entity_type, entity_id, action, actor_id,
			from_status, to_status, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.TenantID, e.EntityType, e.EntityID, e.Action, e.ActorID,
		nullString(e.From), nullString(e.To), data, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns an entity's audit trail ordered by timestamp.
func (s *PgStore) ListAudit(ctx context.Context, entityType, entityID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, entity_type, entity_id, action, actor_id,
		       COALESCE(from_status, ''), COALESCE(to_status, ''), data, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC`,
		entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var result []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var data []byte
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.EntityType, &e.EntityID, &e.Action, &e.ActorID,
			&e.From, &e.To, &data, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if err := unmarshalJSON(data, &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshal audit data: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// AppendNotification stores a user notification.
func (s *PgStore) AppendNotification(ctx context.Context, n model.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (
			id, tenant_id, recipient_id, title, message, entity_type, entity_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.TenantID, n.RecipientID, n.Title, n.Message, n.EntityType, n.EntityID, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns a recipient's notifications, newest first.
func (s *PgStore) ListNotifications(ctx context.Context, recipientID string) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, recipient_id, title, message, entity_type, entity_id, created_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC`,
		recipientID,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var result []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(
			&n.ID, &n.TenantID, &n.RecipientID, &n.Title, &n.Message, &n.EntityType, &n.EntityID, &n.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

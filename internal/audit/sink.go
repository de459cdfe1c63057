// Package audit is the sink every state change reports to: it appends the
// audit trail, creates user-facing notifications and publishes change events.
// Writes happen after the owning transaction commits and never fail the
// caller; errors are logged.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/changefeed"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/internal/store"
	"github.com/pitabwire/accredit/model"
)

// TransitionRecorder counts applied transitions. observability.Metrics
// implements it.
type TransitionRecorder interface {
	RecordTransition(entity, from, to string)
}

// Sink records audit entries, notifications and change events.
type Sink struct {
	store   store.AuditStore
	feed    changefeed.Feed
	logger  *zap.Logger
	metrics TransitionRecorder
	now     func() time.Time
}

// NewSink creates a sink. feed and metrics may be nil.
func NewSink(s store.AuditStore, feed changefeed.Feed, logger *zap.Logger, metrics TransitionRecorder) *Sink {
	return &Sink{store: s, feed: feed, logger: logger, metrics: metrics, now: time.Now}
}

// Transition is one applied status change.
type Transition struct {
	TenantID   string
	EntityType string
	EntityID   string
	Action     string
	From       string
	To         string
	Data       map[string]any
}

// Transition appends the audit row for t, counts it and publishes a change
// event for the entity.
func (s *Sink) Transition(ctx context.Context, rctx *model.RequestContext, t Transition) {
	action := t.Action
	if action == "" {
		action = "transition"
	}
	s.Record(ctx, rctx, model.AuditEntry{
		TenantID:   t.TenantID,
		EntityType: t.EntityType,
		EntityID:   t.EntityID,
		Action:     action,
		From:       t.From,
		To:         t.To,
		Data:       t.Data,
	})
	if s.metrics != nil && t.From != t.To {
		s.metrics.RecordTransition(t.EntityType, t.From, t.To)
	}
	s.Changed(ctx, t.EntityType, t.EntityID, action)
}

// Record appends an audit entry. ID, actor and timestamp are filled in when
// empty. Personal fields in Data are masked before the entry is stored.
func (s *Sink) Record(ctx context.Context, rctx *model.RequestContext, e model.AuditEntry) {
	e.Data = observability.Redact(e.Data)
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ActorID == "" && rctx != nil {
		e.ActorID = rctx.SubjectID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.log(ctx).Error("audit append failed",
			zap.String("entity_type", e.EntityType),
			zap.String("entity_id", e.EntityID),
			zap.String("action", e.Action),
			zap.Error(err),
		)
	}
}

// Notify stores a notification for its recipient. Notifications without a
// recipient are dropped.
func (s *Sink) Notify(ctx context.Context, n model.Notification) {
	if n.RecipientID == "" {
		return
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	if err := s.store.AppendNotification(ctx, n); err != nil {
		s.log(ctx).Error("notification append failed",
			zap.String("recipient_id", n.RecipientID),
			zap.String("entity_id", n.EntityID),
			zap.Error(err),
		)
	}
}

// Changed publishes a change event for an entity.
func (s *Sink) Changed(ctx context.Context, entityType, entityID, kind string) {
	if s.feed == nil {
		return
	}
	ev := model.ChangeEvent{EntityType: entityType, EntityID: entityID, Kind: kind, At: s.now().UTC()}
	if err := s.feed.Publish(ctx, ev); err != nil {
		s.log(ctx).Warn("change event publish failed",
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

func (s *Sink) log(ctx context.Context) *zap.Logger {
	return observability.RequestLogger(ctx, s.logger)
}

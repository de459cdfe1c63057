package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/accredit/internal/changefeed"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/internal/store"
	"github.com/pitabwire/accredit/model"
)

type countingRecorder struct{ n map[string]int }

func (c *countingRecorder) RecordTransition(entity, from, to string) {
	c.n[entity+":"+from+">"+to]++
}

func TestSink_Transition(t *testing.T) {
	st := store.NewMemoryStore()
	hub := changefeed.NewHub(4)
	rec := &countingRecorder{n: map[string]int{}}
	sink := NewSink(st, hub, zap.NewNop(), rec)
	fixed := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return fixed }

	ctx := context.Background()
	events, unsub := hub.Subscribe(ctx, "app-1")
	defer unsub()

	rctx := &model.RequestContext{SubjectID: "analyst-7", TenantID: "t-1"}
	sink.Transition(ctx, rctx, Transition{
		TenantID:   "t-1",
		EntityType: model.EntityApplication,
		EntityID:   "app-1",
		Action:     "decision_recorded",
		From:       "under_analysis",
		To:         "approved",
		Data:       map[string]any{"cycle": 1},
	})

	trail, err := st.ListAudit(ctx, model.EntityApplication, "app-1")
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(trail) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(trail))
	}
	got := trail[0]
	if got.ActorID != "analyst-7" || got.From != "under_analysis" || got.To != "approved" || !got.Timestamp.Equal(fixed) || got.ID == "" {
		t.Errorf("audit entry = %+v", got)
	}
	if rec.n["application:under_analysis>approved"] != 1 {
		t.Errorf("transition counts = %v", rec.n)
	}

	select {
	case ev := <-events:
		if ev.Kind != "decision_recorded" || ev.EntityType != model.EntityApplication {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no change event")
	}
}

func TestSink_Record_masksPersonalData(t *testing.T) {
	st := store.NewMemoryStore()
	sink := NewSink(st, nil, zap.NewNop(), nil)
	ctx := context.Background()

	data := map[string]any{"tax_id": "52998224725", "email": "ana@example.com", "reason": "typo"}
	sink.Record(ctx, model.SystemContext("test"), model.AuditEntry{
		TenantID:   "t-1",
		EntityType: model.EntityProvider,
		EntityID:   "P1",
		Action:     "corrected",
		Data:       data,
	})

	trail, err := st.ListAudit(ctx, model.EntityProvider, "P1")
	if err != nil || len(trail) != 1 {
		t.Fatalf("ListAudit = %v, %v", trail, err)
	}
	got := trail[0].Data
	if got["tax_id"] != observability.Masked || got["email"] != observability.Masked {
		t.Errorf("personal fields stored unmasked: %v", got)
	}
	if got["reason"] != "typo" {
		t.Errorf("reason = %v, want typo", got["reason"])
	}
	if data["tax_id"] != "52998224725" {
		t.Error("caller's data was modified")
	}
}

func TestSink_Notify(t *testing.T) {
	st := store.NewMemoryStore()
	sink := NewSink(st, nil, zap.NewNop(), nil)
	ctx := context.Background()

	sink.Notify(ctx, model.Notification{RecipientID: "cand-1", Title: "Decision", Message: "approved", EntityID: "app-1"})
	sink.Notify(ctx, model.Notification{Title: "nobody"})

	got, _ := st.ListNotifications(ctx, "cand-1")
	if len(got) != 1 || got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Errorf("notifications = %+v", got)
	}
}

type failingAuditStore struct{ store.AuditStore }

func (failingAuditStore) AppendAudit(context.Context, model.AuditEntry) error {
	return errors.New("disk full")
}

func TestSink_failuresAreLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	sink := NewSink(failingAuditStore{}, nil, zap.New(core), nil)

	sink.Record(context.Background(), nil, model.AuditEntry{EntityType: model.EntityContract, EntityID: "c-1", Action: "signed"})

	if logs.Len() != 1 {
		t.Fatalf("error logs = %d, want 1", logs.Len())
	}
	if logs.All()[0].ContextMap()["entity_id"] != "c-1" {
		t.Errorf("log fields = %v", logs.All()[0].ContextMap())
	}
}

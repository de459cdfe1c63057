package decision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/audit"
	"github.com/pitabwire/accredit/internal/store"
	"github.com/pitabwire/accredit/model"
)

type outcomeCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *outcomeCounter) RecordDecision(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[outcome]++
}

func analyst(id string) *model.RequestContext {
	return &model.RequestContext{
		SubjectID:    id,
		TenantID:     "tenant-1",
		Capabilities: model.CapabilitySet{model.CapApplicationDecide: true, model.CapApplicationView: true},
	}
}

func seed(t *testing.T, st *store.MemoryStore, status model.ApplicationStatus) model.Application {
	t.Helper()
	app := model.Application{
		ID:            "A1",
		TenantID:      "tenant-1",
		CandidateID:   "cand-1",
		ProgramID:     "prog-1",
		Status:        status,
		AnalysisCycle: 1,
		CreatedAt:     time.Now().UTC(),
		Version:       1,
	}
	require.NoError(t, st.CreateApplication(context.Background(), app))
	return app
}

func newTestRecorder() (*Recorder, *store.MemoryStore, *outcomeCounter) {
	st := store.NewMemoryStore()
	metrics := &outcomeCounter{}
	sink := audit.NewSink(st, nil, zap.NewNop(), nil)
	return NewRecorder(st, sink, metrics, zap.NewNop()), st, metrics
}

func TestRecordDecision_approved(t *testing.T) {
	rec, st, metrics := newTestRecorder()
	ctx := context.Background()
	seed(t, st, model.ApplicationUnderAnalysis)

	d, err := rec.RecordDecision(ctx, analyst("analyst1"), model.DecisionRequest{
		ApplicationID: "A1",
		Outcome:       model.ApplicationApproved,
		Justification: "all documents valid",
	})
	require.NoError(t, err)
	assert.Equal(t, "analyst1", d.AnalystID)
	assert.Equal(t, 1, d.Cycle)
	assert.NotEmpty(t, d.ID)

	app, err := st.GetApplication(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationApproved, app.Status)

	latest, err := st.LatestDecision(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, latest.ID)

	notes, err := st.ListNotifications(ctx, "cand-1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Application approved", notes[0].Title)

	entries, err := st.ListAudit(ctx, model.EntityApplication, "A1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "decision_recorded", entries[0].Action)
	assert.Equal(t, "approved", entries[0].To)

	assert.Equal(t, 1, metrics.counts["approved"])
}

func TestRecordDecision_pendingCorrectionSetsDeadline(t *testing.T) {
	rec, st, _ := newTestRecorder()
	ctx := context.Background()
	seed(t, st, model.ApplicationUnderAnalysis)
	deadline := time.Now().Add(72 * time.Hour)

	d, err := rec.RecordDecision(ctx, analyst("analyst1"), model.DecisionRequest{
		ApplicationID:      "A1",
		Outcome:            model.ApplicationPendingCorrection,
		Justification:      "license scan unreadable",
		RejectedDocuments:  []model.RejectedDocument{{DocumentID: "doc-7", Action: model.DocumentResend}},
		CorrectionDeadline: &deadline,
	})
	require.NoError(t, err)
	require.NotNil(t, d.CorrectionDeadline)

	app, err := st.GetApplication(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationPendingCorrection, app.Status)
	require.NotNil(t, app.CorrectionDeadline)
	assert.True(t, app.CorrectionDeadline.Equal(deadline))
}

func TestRecordDecision_notAuthorized(t *testing.T) {
	rec, st, _ := newTestRecorder()
	seed(t, st, model.ApplicationUnderAnalysis)
	candidate := &model.RequestContext{SubjectID: "cand-1", TenantID: "tenant-1"}

	_, err := rec.RecordDecision(context.Background(), candidate, model.DecisionRequest{
		ApplicationID: "A1",
		Outcome:       model.ApplicationApproved,
		Justification: "self approval",
	})
	assert.True(t, model.IsCode(err, model.ErrNotAuthorized), "err = %v", err)
}

func TestRecordDecision_validation(t *testing.T) {
	rec, st, _ := newTestRecorder()
	seed(t, st, model.ApplicationUnderAnalysis)

	_, err := rec.RecordDecision(context.Background(), analyst("analyst1"), model.DecisionRequest{
		ApplicationID:     "A1",
		Outcome:           model.ApplicationRejected,
		RejectedDocuments: []model.RejectedDocument{{DocumentID: "doc-1", Action: "shred"}},
	})
	require.True(t, model.IsCode(err, model.ErrValidationError), "err = %v", err)

	var env *model.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	fields := make([]string, 0, len(env.Details))
	for _, d := range env.Details {
		fields = append(fields, d.Field)
	}
	assert.ElementsMatch(t, []string{"justification", "rejected_documents[0].action"}, fields)
}

func TestRecordDecision_invalidStateWritesNothing(t *testing.T) {
	for _, status := range []model.ApplicationStatus{
		model.ApplicationDraft,
		model.ApplicationSubmitted,
		model.ApplicationApproved,
		model.ApplicationPendingCorrection,
	} {
		t.Run(string(status), func(t *testing.T) {
			rec, st, _ := newTestRecorder()
			ctx := context.Background()
			seed(t, st, status)

			_, err := rec.RecordDecision(ctx, analyst("analyst1"), model.DecisionRequest{
				ApplicationID: "A1",
				Outcome:       model.ApplicationApproved,
				Justification: "ok",
			})
			assert.True(t, model.IsCode(err, model.ErrInvalidState), "err = %v", err)

			decisions, err := st.ListDecisions(ctx, "A1")
			require.NoError(t, err)
			assert.Empty(t, decisions)

			app, err := st.GetApplication(ctx, "A1")
			require.NoError(t, err)
			assert.Equal(t, status, app.Status)
		})
	}
}

func TestRecordDecision_concurrentCallsAcceptOne(t *testing.T) {
	rec, st, _ := newTestRecorder()
	ctx := context.Background()
	seed(t, st, model.ApplicationUnderAnalysis)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := model.ApplicationApproved
			if i%2 == 1 {
				outcome = model.ApplicationRejected
			}
			_, errs[i] = rec.RecordDecision(ctx, analyst("analyst1"), model.DecisionRequest{
				ApplicationID: "A1",
				Outcome:       outcome,
				Justification: "race",
			})
		}()
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		assert.True(t, model.IsCode(err, model.ErrInvalidState), "err = %v", err)
	}
	assert.Equal(t, 1, accepted)

	decisions, err := st.ListDecisions(ctx, "A1")
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}

func TestListDecisions(t *testing.T) {
	rec, st, _ := newTestRecorder()
	ctx := context.Background()
	seed(t, st, model.ApplicationUnderAnalysis)
	_, err := rec.RecordDecision(ctx, analyst("analyst1"), model.DecisionRequest{
		ApplicationID: "A1",
		Outcome:       model.ApplicationRejected,
		Justification: "incomplete",
	})
	require.NoError(t, err)

	got, err := rec.ListDecisions(ctx, analyst("analyst2"), "A1")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	owner := &model.RequestContext{SubjectID: "cand-1", TenantID: "tenant-1"}
	got, err = rec.ListDecisions(ctx, owner, "A1")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	stranger := &model.RequestContext{SubjectID: "cand-9", TenantID: "tenant-1"}
	_, err = rec.ListDecisions(ctx, stranger, "A1")
	assert.True(t, model.IsCode(err, model.ErrNotAuthorized), "err = %v", err)
}

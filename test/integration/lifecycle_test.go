package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/accredit/model"
)

// --- Flow helpers ---

func submittedApplication(t *testing.T, h *TestHarness) model.Application {
	t.Helper()
	token := h.GenerateToken(CandidateClaims())

	resp := h.POST("/api/applications", map[string]any{
		"program_id": "general-practice",
		"payload":    ApplicationPayload(),
	}, token)
	AssertStatus(t, resp, http.StatusCreated)
	var app model.Application
	resp.Decode(t, &app)

	resp = h.POST("/api/applications/"+app.ID+"/submit", nil, token)
	AssertStatus(t, resp, http.StatusOK)
	resp.Decode(t, &app)
	return app
}

func applicationUnderAnalysis(t *testing.T, h *TestHarness) model.Application {
	t.Helper()
	app := submittedApplication(t, h)
	resp := h.POST("/api/applications/"+app.ID+"/analysis", nil, h.GenerateToken(AnalystClaims()))
	AssertStatus(t, resp, http.StatusOK)
	resp.Decode(t, &app)
	return app
}

func approvedApplication(t *testing.T, h *TestHarness) model.Application {
	t.Helper()
	app := applicationUnderAnalysis(t, h)
	resp := h.POST("/api/applications/"+app.ID+"/decisions", map[string]any{
		"outcome":       "approved",
		"justification": "documents verified",
	}, h.GenerateToken(AnalystClaims()))
	AssertStatus(t, resp, http.StatusCreated)
	return app
}

func generatedContract(t *testing.T, h *TestHarness) model.Contract {
	t.Helper()
	app := approvedApplication(t, h)
	resp := h.POST("/api/applications/"+app.ID+"/contracts", nil, h.GenerateToken(ManagerClaims()))
	AssertStatus(t, resp, http.StatusCreated)
	var ct model.Contract
	resp.Decode(t, &ct)
	return ct
}

// pendingContract dispatches a fresh contract; the signing provider answers
// with docID.
func pendingContract(t *testing.T, h *TestHarness, docID string) model.Contract {
	t.Helper()
	h.Backend(Signing).On(http.MethodPost, "/documents").RespondWith(http.StatusOK, map[string]any{"id": docID})

	ct := generatedContract(t, h)
	resp := h.POST("/api/contracts/"+ct.ID+"/dispatch", nil, h.GenerateToken(ManagerClaims()))
	AssertStatus(t, resp, http.StatusOK)
	resp.Decode(t, &ct)
	if ct.Status != model.ContractPendingSignature {
		t.Fatalf("contract status = %s, want pending_signature", ct.Status)
	}
	return ct
}

func signatureEvent(eventID, event, docID string) []byte {
	raw, _ := json.Marshal(model.SignatureEvent{EventID: eventID, Event: event, DocumentID: docID})
	return raw
}

func expectGeocode(h *TestHarness) {
	h.Backend(Geocoding).On(http.MethodGet, "/search").
		RespondWith(http.StatusOK, []map[string]string{{"lat": "-23.5614", "lon": "-46.6559"}})
}

// signedProvider runs the whole flow and returns the resulting provider.
func signedProvider(t *testing.T, h *TestHarness) model.Provider {
	t.Helper()
	expectGeocode(h)
	ct := pendingContract(t, h, "doc-signed")

	resp := h.PostWebhook(signatureEvent("evt-signed", model.SignatureEventSigned, "doc-signed"), WebhookSecret)
	AssertStatus(t, resp, http.StatusOK)

	p, err := h.Store.GetProviderByApplication(context.Background(), ct.ApplicationID)
	if err != nil {
		t.Fatalf("provider for application %s: %v", ct.ApplicationID, err)
	}
	return p
}

// ==========================================================================
// Lifecycle Tests
// ==========================================================================

func TestLifecycle_CorrectionCycle(t *testing.T) {
	h := NewTestHarness(t)
	analyst := h.GenerateToken(AnalystClaims())
	candidate := h.GenerateToken(CandidateClaims())
	app := applicationUnderAnalysis(t, h)

	resp := h.POST("/api/applications/"+app.ID+"/decisions", map[string]any{
		"outcome":       "pending_correction",
		"justification": "license number does not match the document",
		"rejected_fields": []map[string]any{
			{"field": "license", "reason": "illegible"},
		},
		"correction_deadline": time.Now().Add(72 * time.Hour).Format(time.RFC3339),
	}, analyst)
	AssertStatus(t, resp, http.StatusCreated)

	resp = h.GET("/api/applications/"+app.ID, candidate)
	AssertStatus(t, resp, http.StatusOK)
	resp.Decode(t, &app)
	if app.Status != model.ApplicationPendingCorrection {
		t.Fatalf("status = %s, want pending_correction", app.Status)
	}

	resp = h.POST("/api/applications/"+app.ID+"/resubmit", map[string]any{
		"payload": map[string]any{"license": "crm-54321"},
	}, candidate)
	AssertStatus(t, resp, http.StatusOK)
	resp.Decode(t, &app)
	if app.Status != model.ApplicationUnderAnalysis {
		t.Fatalf("status after resubmit = %s, want under_analysis", app.Status)
	}
	if app.PayloadString("license") != "crm-54321" {
		t.Errorf("license = %q, want corrected value", app.PayloadString("license"))
	}
	if app.PayloadString("name") != "Dr. Ana Costa" {
		t.Errorf("untouched fields should survive a resubmission, name = %q", app.PayloadString("name"))
	}

	resp = h.POST("/api/applications/"+app.ID+"/decisions", map[string]any{
		"outcome":       "approved",
		"justification": "corrected license verified",
	}, analyst)
	AssertStatus(t, resp, http.StatusCreated)

	resp = h.GET("/api/applications/"+app.ID+"/decisions", analyst)
	AssertStatus(t, resp, http.StatusOK)
	var decisions []model.Decision
	resp.Decode(t, &decisions)
	if len(decisions) != 2 {
		t.Fatalf("decisions = %d, want one per analysis cycle", len(decisions))
	}
	if decisions[0].Cycle == decisions[1].Cycle {
		t.Errorf("decisions share cycle %d", decisions[0].Cycle)
	}
}

func TestLifecycle_SignedContractAccreditsProvider(t *testing.T) {
	h := NewTestHarness(t)
	manager := h.GenerateToken(ManagerClaims())

	p := signedProvider(t, h)

	if p.Status != model.ProviderActive {
		t.Errorf("provider status = %s, want active", p.Status)
	}
	if p.Latitude == nil || *p.Latitude > -23 {
		t.Errorf("latitude = %v, want geocoded value", p.Latitude)
	}
	if n := h.Backend(Geocoding).CallCount(http.MethodGet, "/search"); n != 1 {
		t.Errorf("geocoder calls = %d, want 1", n)
	}

	resp := h.GET("/api/contracts/"+p.ContractID, manager)
	AssertStatus(t, resp, http.StatusOK)
	var ct model.Contract
	resp.Decode(t, &ct)
	if ct.Status != model.ContractSigned || ct.SignedAt == nil {
		t.Errorf("contract = %s signed_at=%v, want signed", ct.Status, ct.SignedAt)
	}

	// Signed document reaches the provider exactly once.
	reqs := h.Backend(Signing).Requests(http.MethodPost, "/documents")
	if len(reqs) != 1 {
		t.Fatalf("signing requests = %d, want 1", len(reqs))
	}
	if reqs[0].Body["external_id"] != ct.ID {
		t.Errorf("external_id = %v, want %s", reqs[0].Body["external_id"], ct.ID)
	}

	certs, err := h.Store.ListCertificates(context.Background(), p.ID)
	if err != nil || len(certs) != 1 {
		t.Fatalf("certificates = %v, err = %v", certs, err)
	}
	resp = h.GET("/public/certificates/"+certs[0].Code, "")
	AssertStatus(t, resp, http.StatusOK)
	var check model.CertificateCheck
	resp.Decode(t, &check)
	if check.Status != model.CertificateValid {
		t.Errorf("certificate = %s, want valid", check.Status)
	}
}

func TestLifecycle_WebhookRedeliveryIsIdempotent(t *testing.T) {
	h := NewTestHarness(t)
	expectGeocode(h)
	pendingContract(t, h, "doc-dup")
	body := signatureEvent("evt-dup", model.SignatureEventSigned, "doc-dup")

	var first, second struct {
		Applied   bool `json:"applied"`
		Duplicate bool `json:"duplicate"`
	}
	resp := h.PostWebhook(body, WebhookSecret)
	AssertStatus(t, resp, http.StatusOK)
	resp.Decode(t, &first)

	resp = h.PostWebhook(body, WebhookSecret)
	AssertStatus(t, resp, http.StatusOK)
	resp.Decode(t, &second)

	if !first.Applied || first.Duplicate {
		t.Errorf("first delivery = %+v, want applied", first)
	}
	if second.Applied || !second.Duplicate {
		t.Errorf("second delivery = %+v, want duplicate", second)
	}

	// The delivery marker lives in Redis.
	found := false
	for _, k := range h.Redis.Keys() {
		if strings.Contains(k, "evt-dup") {
			found = true
		}
	}
	if !found {
		t.Errorf("no dedup key for evt-dup in %v", h.Redis.Keys())
	}
}

func TestLifecycle_RejectedSignatureThenRegenerate(t *testing.T) {
	h := NewTestHarness(t)
	manager := h.GenerateToken(ManagerClaims())
	ct := pendingContract(t, h, "doc-first")

	resp := h.PostWebhook(signatureEvent("evt-rej", model.SignatureEventRejected, "doc-first"), WebhookSecret)
	AssertStatus(t, resp, http.StatusOK)

	resp = h.GET("/api/contracts/"+ct.ID, manager)
	AssertStatus(t, resp, http.StatusOK)
	resp.Decode(t, &ct)
	if ct.Status != model.ContractFailed {
		t.Fatalf("status = %s, want failed", ct.Status)
	}

	h.Backend(Signing).On(http.MethodPost, "/documents").Reset()
	h.Backend(Signing).On(http.MethodPost, "/documents").RespondWith(http.StatusOK, map[string]any{"id": "doc-second"})

	resp = h.POST("/api/contracts/"+ct.ID+"/regenerate", nil, manager)
	AssertStatus(t, resp, http.StatusCreated)
	var fresh model.Contract
	resp.Decode(t, &fresh)
	if fresh.Supersedes != ct.ID {
		t.Errorf("supersedes = %q, want %s", fresh.Supersedes, ct.ID)
	}
	if fresh.Status != model.ContractPendingSignature || fresh.ProviderDocumentID != "doc-second" {
		t.Errorf("replacement = %s/%s, want pending_signature/doc-second", fresh.Status, fresh.ProviderDocumentID)
	}

	resp = h.GET("/api/contracts/"+ct.ID, manager)
	resp.Decode(t, &ct)
	if ct.Status != model.ContractSuperseded || ct.SupersededBy != fresh.ID {
		t.Errorf("old contract = %s superseded_by=%q", ct.Status, ct.SupersededBy)
	}

	resp = h.POST("/api/contracts/"+ct.ID+"/regenerate", nil, manager)
	AssertStatus(t, resp, http.StatusConflict)
	if resp.ErrorCode() != model.ErrAlreadySuperseded {
		t.Errorf("code = %q, want ALREADY_SUPERSEDED", resp.ErrorCode())
	}
}

func TestLifecycle_ReprocessReportsPerItem(t *testing.T) {
	h := NewTestHarness(t)
	manager := h.GenerateToken(ManagerClaims())
	ct := pendingContract(t, h, "doc-batch")

	resp := h.PostWebhook(signatureEvent("evt-exp", model.SignatureEventExpired, "doc-batch"), WebhookSecret)
	AssertStatus(t, resp, http.StatusOK)

	resp = h.POST("/api/contracts/reprocess", map[string]any{
		"contract_ids": []string{ct.ID, "missing-contract"},
	}, manager)
	AssertStatus(t, resp, http.StatusOK)
	var res model.BatchResult
	resp.Decode(t, &res)
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v, want one success and one failure", res)
	}
	for _, it := range res.Items {
		if it.ID == "missing-contract" && (it.Success || it.Error == nil || it.Error.Code != model.ErrNotFound) {
			t.Errorf("missing item = %+v, want NOT_FOUND", it)
		}
	}
}

func TestLifecycle_SanctionRevokesCertificate(t *testing.T) {
	h := NewTestHarness(t)
	manager := h.GenerateToken(ManagerClaims())
	p := signedProvider(t, h)

	certs, err := h.Store.ListCertificates(context.Background(), p.ID)
	if err != nil || len(certs) == 0 {
		t.Fatalf("certificates: %v %v", certs, err)
	}
	code := certs[0].Code

	resp := h.POST("/api/sanctions", map[string]any{
		"provider_id": p.ID,
		"type":        "suspension",
		"reason":      "expired malpractice insurance",
		"ends_at":     time.Now().Add(30 * 24 * time.Hour).Format(time.RFC3339),
	}, manager)
	AssertStatus(t, resp, http.StatusCreated)
	var sn model.Sanction
	resp.Decode(t, &sn)

	resp = h.GET("/api/providers/"+p.ID, manager)
	AssertStatus(t, resp, http.StatusOK)
	resp.Decode(t, &p)
	if p.Status != model.ProviderSuspended {
		t.Fatalf("provider = %s, want suspended", p.Status)
	}

	var check model.CertificateCheck
	h.GET("/public/certificates/"+code, "").Decode(t, &check)
	if check.Status != model.CertificateRevoked {
		t.Errorf("certificate = %s, want revoked while suspended", check.Status)
	}

	resp = h.POST("/api/sanctions/"+sn.ID+"/transition", map[string]any{
		"to":     "cancelled",
		"reason": "insurance renewed",
	}, manager)
	AssertStatus(t, resp, http.StatusOK)

	resp = h.GET("/api/providers/"+p.ID, manager)
	resp.Decode(t, &p)
	if p.Status != model.ProviderActive {
		t.Errorf("provider = %s, want active after cancellation", p.Status)
	}
	h.GET("/public/certificates/"+code, "").Decode(t, &check)
	if check.Status != model.CertificateValid {
		t.Errorf("certificate = %s, want valid again", check.Status)
	}

	resp = h.GET("/api/providers/"+p.ID+"/sanctions", manager)
	AssertStatus(t, resp, http.StatusOK)
	var list []model.Sanction
	resp.Decode(t, &list)
	if len(list) != 1 || list[0].Status != model.SanctionCancelled {
		t.Errorf("sanctions = %+v", list)
	}
}

func TestLifecycle_ChangeStreamOverRedis(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(CandidateClaims())

	resp := h.POST("/api/applications", map[string]any{"program_id": "general-practice"}, token)
	AssertStatus(t, resp, http.StatusCreated)
	var app model.Application
	resp.Decode(t, &app)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := h.Client().Do(h.NewRequest(ctx, http.MethodGet, "/api/changes?entity_id="+app.ID, nil, token))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", stream.StatusCode)
	}
	lines := bufio.NewReader(stream.Body)
	if first, err := lines.ReadString('\n'); err != nil || first != ": connected\n" {
		t.Fatalf("first line = %q, err = %v", first, err)
	}

	AssertStatus(t, h.POST("/api/applications/"+app.ID+"/submit", nil, token), http.StatusOK)

	for {
		line, err := lines.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev model.ChangeEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("decode event %q: %v", payload, err)
		}
		if ev.EntityID != app.ID || ev.EntityType != model.EntityApplication {
			t.Errorf("event = %+v, want application %s", ev, app.ID)
		}
		return
	}
}

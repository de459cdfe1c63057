// Package contract generates credentialing contracts for approved
// applications, sends them to the signing provider and reconciles the
// provider's signature events back into contract and provider state.
package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/application"
	"github.com/pitabwire/accredit/internal/audit"
	"github.com/pitabwire/accredit/internal/config"
	"github.com/pitabwire/accredit/internal/docstore"
	"github.com/pitabwire/accredit/internal/gateway"
	"github.com/pitabwire/accredit/internal/lifecycle"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/internal/store"
	"github.com/pitabwire/accredit/model"
)

const mintAttempts = 5

// Store is the persistence the coordinator needs.
type Store interface {
	store.ApplicationStore
	store.ContractStore
}

// Signer sends a document to the signing provider and returns the
// provider's document reference. gateway.SigningClient implements it.
type Signer interface {
	Send(ctx context.Context, req gateway.SignatureRequest) (string, error)
}

// ProviderSync creates or updates the provider record of a signed contract.
// Synced reports whether the provider already reflects c.
type ProviderSync interface {
	SyncFromContract(ctx context.Context, rctx *model.RequestContext, c model.Contract) (model.Provider, error)
	Synced(ctx context.Context, c model.Contract) (bool, error)
}

// persistFunc stores a freshly minted contract.
type persistFunc func(ctx context.Context, ct model.Contract) error

// Metrics counts contract outcomes and reprocessed items.
type Metrics interface {
	RecordContractOutcome(outcome string)
	RecordReprocessItem(ok bool)
}

// Coordinator runs the contract lifecycle.
type Coordinator struct {
	store     Store
	docs      docstore.Store
	templates *Templates
	signer    Signer
	sync      ProviderSync
	sink      *audit.Sink
	metrics   Metrics
	logger    *zap.Logger
	cfg       config.ContractsConfig
	now       func() time.Time
}

// NewCoordinator creates a contract coordinator. metrics may be nil.
func NewCoordinator(
	s Store,
	docs docstore.Store,
	templates *Templates,
	signer Signer,
	sync ProviderSync,
	sink *audit.Sink,
	metrics Metrics,
	logger *zap.Logger,
	cfg config.ContractsConfig,
) *Coordinator {
	return &Coordinator{
		store:     s,
		docs:      docs,
		templates: templates,
		signer:    signer,
		sync:      sync,
		sink:      sink,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Get returns a contract visible to the caller.
func (c *Coordinator) Get(ctx context.Context, rctx *model.RequestContext, id string) (model.Contract, error) {
	ct, err := c.store.GetContract(ctx, id)
	if err != nil {
		return model.Contract{}, err
	}
	if rctx.Can(model.CapContractView) && rctx.InTenant(ct.TenantID) {
		return ct, nil
	}
	app, err := c.store.GetApplication(ctx, ct.ApplicationID)
	if err != nil {
		return model.Contract{}, err
	}
	if !application.CanView(rctx, app) {
		return model.Contract{}, model.NewNotAuthorizedError("not allowed to view this contract")
	}
	return ct, nil
}

// Generate creates the contract of an approved application. templateID
// may be empty to use the configured default.
func (c *Coordinator) Generate(ctx context.Context, rctx *model.RequestContext, applicationID, templateID string) (ct model.Contract, err error) {
	ctx, span := observability.StartSpan(ctx, "contract.generate",
		observability.AttrApplicationID.String(applicationID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if !rctx.Can(model.CapContractGenerate) {
		return model.Contract{}, model.NewNotAuthorizedError("not allowed to generate contracts")
	}
	ctx, cancel := c.withTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()
	return c.generate(ctx, rctx, applicationID, templateID, uuid.NewString(), "", c.store.CreateContract)
}

// generate mints, renders and stores a contract document, then hands the
// contract to persist. When supersedes is set the contract replaces that
// one and persist is responsible for retiring it.
func (c *Coordinator) generate(
	ctx context.Context,
	rctx *model.RequestContext,
	applicationID, templateID, contractID, supersedes string,
	persist persistFunc,
) (model.Contract, error) {
	// 1. The application must be approved by its latest decision.
	app, err := c.store.GetApplication(ctx, applicationID)
	if err != nil {
		return model.Contract{}, err
	}
	if app.Status != model.ApplicationApproved {
		return model.Contract{}, model.NewInvalidStateError(
			fmt.Sprintf("application %s is %s, not approved", app.ID, app.Status),
		)
	}
	latest, err := c.store.LatestDecision(ctx, app.ID)
	if model.IsCode(err, model.ErrNotFound) || (err == nil && latest.Outcome != model.ApplicationApproved) {
		return model.Contract{}, model.NewInvalidStateError(
			fmt.Sprintf("latest decision on application %s is not an approval", app.ID),
		)
	}
	if err != nil {
		return model.Contract{}, fmt.Errorf("loading decision for %s: %w", app.ID, err)
	}

	// 2. At most one live contract per application. A replacement is
	// checked by the store when the old contract is retired.
	if supersedes == "" {
		if active, ok, err := c.activeContract(ctx, app.ID, ""); err != nil {
			return model.Contract{}, err
		} else if ok {
			return model.Contract{}, model.NewInvalidStateError(
				fmt.Sprintf("application %s already has contract %s (%s)", app.ID, active.ID, active.Status),
			)
		}
	}

	// 3. Resolve template.
	if templateID == "" {
		templateID = c.cfg.DefaultTemplate
	}
	tpl, ok := c.templates.Get(templateID)
	if !ok {
		return model.Contract{}, model.NewValidationError([]model.FieldError{
			{Field: "template_id", Code: "UNKNOWN", Message: fmt.Sprintf("template %q does not exist", templateID)},
		})
	}

	// 4. Mint a number, render, store the document and insert. A number
	// collision is retried with a fresh number.
	for attempt := 1; ; attempt++ {
		now := c.now().UTC()
		ct := model.Contract{
			ID:            contractID,
			TenantID:      app.TenantID,
			ApplicationID: app.ID,
			Number:        MintNumber(c.cfg.NumberPrefix, now),
			TemplateID:    tpl.ID,
			Status:        model.ContractGenerated,
			DocumentKey:   fmt.Sprintf("contracts/%s/%s", app.ID, contractID),
			Supersedes:    supersedes,
			GeneratedAt:   now,
			UpdatedAt:     now,
			Version:       1,
		}
		content, err := tpl.Render(TemplateData{
			Number:        ct.Number,
			ContractID:    ct.ID,
			ApplicationID: app.ID,
			ProgramID:     app.ProgramID,
			CandidateID:   app.CandidateID,
			IssuedAt:      now,
			Payload:       app.Payload,
		})
		if err != nil {
			return model.Contract{}, err
		}
		if err := c.docs.Put(ctx, ct.DocumentKey, docstore.Document{Content: content, ContentType: tpl.ContentType}); err != nil {
			return model.Contract{}, fmt.Errorf("storing contract document: %w", err)
		}

		err = persist(ctx, ct)
		if err == nil {
			c.sink.Transition(ctx, rctx, audit.Transition{
				TenantID:   ct.TenantID,
				EntityType: model.EntityContract,
				EntityID:   ct.ID,
				Action:     "generated",
				To:         string(ct.Status),
				Data:       map[string]any{"number": ct.Number, "application_id": app.ID, "supersedes": supersedes},
			})
			c.sink.Changed(ctx, model.EntityApplication, app.ID, "contract_generated")
			c.outcome("generated")
			return ct, nil
		}
		var envelope *model.ErrorEnvelope
		if !model.IsCode(err, model.ErrConflict) {
			if errors.As(err, &envelope) {
				return model.Contract{}, err
			}
			return model.Contract{}, fmt.Errorf("creating contract: %w", err)
		}
		// A concurrent generate won the application.
		if active, ok, aerr := c.activeContract(ctx, app.ID, supersedes); aerr == nil && ok {
			return model.Contract{}, model.NewInvalidStateError(
				fmt.Sprintf("application %s already has contract %s (%s)", app.ID, active.ID, active.Status),
			).WithCause(err)
		}
		if attempt == mintAttempts {
			return model.Contract{}, fmt.Errorf("minting a free contract number: %w", err)
		}
	}
}

func (c *Coordinator) activeContract(ctx context.Context, applicationID, except string) (model.Contract, bool, error) {
	existing, err := c.store.ListContracts(ctx, model.ContractFilter{ApplicationID: applicationID})
	if err != nil {
		return model.Contract{}, false, fmt.Errorf("listing contracts for %s: %w", applicationID, err)
	}
	for _, ct := range existing {
		if ct.Active() && ct.ID != except {
			return ct, true, nil
		}
	}
	return model.Contract{}, false, nil
}

// Dispatch sends a generated contract to the signing provider. A transient
// provider failure leaves the contract generated and returns
// PROVIDER_UNAVAILABLE. A permanent rejection marks it failed.
func (c *Coordinator) Dispatch(ctx context.Context, rctx *model.RequestContext, contractID string) (ct model.Contract, err error) {
	ctx, span := observability.StartSpan(ctx, "contract.dispatch",
		observability.AttrContractID.String(contractID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	ctx, cancel := c.withTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()
	return c.dispatch(ctx, rctx, contractID)
}

func (c *Coordinator) dispatch(ctx context.Context, rctx *model.RequestContext, contractID string) (model.Contract, error) {
	// 1. Load and check.
	ct, err := c.store.GetContract(ctx, contractID)
	if err != nil {
		return model.Contract{}, err
	}
	if ct.Status != model.ContractGenerated {
		return model.Contract{}, model.NewInvalidStateError(
			fmt.Sprintf("contract %s is %s, only generated contracts can be dispatched", ct.ID, ct.Status),
		)
	}
	if err := lifecycle.Contracts.Check(rctx, ct.Status, model.ContractPendingSignature, ""); err != nil {
		return model.Contract{}, err
	}

	// 2. Gather document and signer.
	app, err := c.store.GetApplication(ctx, ct.ApplicationID)
	if err != nil {
		return model.Contract{}, err
	}
	doc, err := c.docs.Get(ctx, ct.DocumentKey)
	if err != nil {
		return model.Contract{}, fmt.Errorf("loading contract document %s: %w", ct.DocumentKey, err)
	}

	// 3. Send.
	docID, err := c.signer.Send(ctx, gateway.SignatureRequest{
		ExternalID:  ct.ID,
		Title:       fmt.Sprintf("Credentialing agreement %s", ct.Number),
		ContentType: doc.ContentType,
		Content:     doc.Content,
		Signers: []gateway.Signer{{
			Name:  app.PayloadString("name"),
			Email: app.PayloadString("email"),
		}},
	})
	log := observability.RequestLogger(ctx, c.logger).With(zap.String("contract_id", ct.ID))
	if reason, rejected := gateway.IsRejected(err); rejected {
		log.Warn("signing provider rejected contract", zap.String("reason", reason))
		return c.failDispatch(ctx, rctx, ct, app, reason)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return model.Contract{}, err
		}
		log.Warn("contract dispatch failed, contract left generated", zap.Error(err))
		c.outcome("dispatch_unavailable")
		if model.IsCode(err, model.ErrProviderUnavailable) {
			return model.Contract{}, err
		}
		return model.Contract{}, model.NewProviderUnavailableError("signing provider").WithCause(err)
	}

	// 4. Persist the provider reference.
	now := c.now().UTC()
	ct.Status = model.ContractPendingSignature
	ct.ProviderDocumentID = docID
	ct.DispatchedAt = &now
	updated, err := c.store.UpdateContract(ctx, ct)
	if err != nil {
		log.Error("contract sent but not persisted", zap.String("provider_document_id", docID), zap.Error(err))
		if model.IsCode(err, model.ErrConflict) {
			return model.Contract{}, model.NewInvalidStateError(
				fmt.Sprintf("contract %s changed during dispatch", ct.ID),
			).WithCause(err)
		}
		return model.Contract{}, fmt.Errorf("updating contract %s: %w", ct.ID, err)
	}

	// 5. Side effects.
	c.sink.Transition(ctx, rctx, audit.Transition{
		TenantID:   updated.TenantID,
		EntityType: model.EntityContract,
		EntityID:   updated.ID,
		From:       string(model.ContractGenerated),
		To:         string(updated.Status),
		Data:       map[string]any{"provider_document_id": docID},
	})
	c.sink.Notify(ctx, model.Notification{
		TenantID:    app.TenantID,
		RecipientID: app.CandidateID,
		Title:       "Contract ready for signature",
		Message:     fmt.Sprintf("Contract %s was sent to you for electronic signature.", updated.Number),
		EntityType:  model.EntityContract,
		EntityID:    updated.ID,
	})
	c.outcome("dispatched")
	log.Info("contract dispatched", zap.String("provider_document_id", docID))
	return updated, nil
}

// failDispatch walks generated → pending_signature → failed in one write.
func (c *Coordinator) failDispatch(
	ctx context.Context,
	rctx *model.RequestContext,
	ct model.Contract,
	app model.Application,
	reason string,
) (model.Contract, error) {
	if err := lifecycle.Contracts.CheckPath(rctx, "",
		model.ContractGenerated, model.ContractPendingSignature, model.ContractFailed); err != nil {
		return model.Contract{}, err
	}
	now := c.now().UTC()
	ct.Status = model.ContractFailed
	ct.DispatchedAt = &now
	ct.FailureReason = reason
	updated, err := c.store.UpdateContract(ctx, ct)
	if model.IsCode(err, model.ErrConflict) {
		return model.Contract{}, model.NewInvalidStateError(
			fmt.Sprintf("contract %s changed during dispatch", ct.ID),
		).WithCause(err)
	}
	if err != nil {
		return model.Contract{}, fmt.Errorf("updating contract %s: %w", ct.ID, err)
	}

	c.sink.Transition(ctx, rctx, audit.Transition{
		TenantID:   updated.TenantID,
		EntityType: model.EntityContract,
		EntityID:   updated.ID,
		From:       string(model.ContractGenerated),
		To:         string(model.ContractPendingSignature),
	})
	c.sink.Transition(ctx, rctx, audit.Transition{
		TenantID:   updated.TenantID,
		EntityType: model.EntityContract,
		EntityID:   updated.ID,
		Action:     "dispatch_rejected",
		From:       string(model.ContractPendingSignature),
		To:         string(model.ContractFailed),
		Data:       map[string]any{"reason": reason},
	})
	c.notifyFailed(ctx, app, updated)
	c.outcome("failed")
	return updated, nil
}

// HandleSignatureEvent resolves the provider's document reference and
// reconciles the event into the contract.
func (c *Coordinator) HandleSignatureEvent(ctx context.Context, ev model.SignatureEvent) (model.ReconcileResult, error) {
	ct, err := c.store.GetContractByProviderDocument(ctx, ev.DocumentID)
	if err != nil {
		return model.ReconcileResult{}, err
	}
	return c.ReconcileSignature(ctx, ct.ID, ev)
}

// ReconcileSignature applies a signing provider event. Events that arrive
// for a contract no longer awaiting signature, including duplicates, change
// nothing and report Applied=false.
func (c *Coordinator) ReconcileSignature(ctx context.Context, contractID string, ev model.SignatureEvent) (res model.ReconcileResult, err error) {
	ctx, span := observability.StartSpan(ctx, "contract.reconcile",
		observability.AttrContractID.String(contractID),
		observability.AttrEvent.String(ev.Event),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	rctx := model.SystemContext("signing-provider")

	// 1. Load.
	ct, err := c.store.GetContract(ctx, contractID)
	if err != nil {
		return model.ReconcileResult{}, err
	}

	// 2. Map the event to a target status.
	var to model.ContractStatus
	switch ev.Event {
	case model.SignatureEventSigned:
		to = model.ContractSigned
	case model.SignatureEventRejected, model.SignatureEventExpired:
		to = model.ContractFailed
	case model.SignatureEventViewed:
		return c.markViewed(ctx, rctx, ct, ev)
	default:
		return model.ReconcileResult{}, model.NewValidationError([]model.FieldError{
			{Field: "event", Code: "UNSUPPORTED", Message: fmt.Sprintf("event %q is not supported", ev.Event)},
		})
	}

	log := observability.RequestLogger(ctx, c.logger).With(
		zap.String("contract_id", ct.ID),
		zap.String("event", ev.Event),
	)
	if ct.Status != model.ContractPendingSignature {
		if ct.Status == model.ContractSigned && to == model.ContractSigned {
			// A redelivery after a failed provider sync retries the sync.
			if _, err := c.syncProvider(ctx, rctx, ct); err != nil {
				return model.ReconcileResult{}, err
			}
		}
		log.Info("signature event ignored", zap.String("status", string(ct.Status)))
		return model.ReconcileResult{Contract: ct, Applied: false}, nil
	}
	if err := lifecycle.Contracts.Check(rctx, ct.Status, to, ""); err != nil {
		return model.ReconcileResult{}, err
	}

	// 3. Apply.
	at := c.now().UTC()
	if ev.OccurredAt != nil {
		at = ev.OccurredAt.UTC()
	}
	from := ct.Status
	ct.Status = to
	if to == model.ContractSigned {
		ct.SignedAt = &at
	} else {
		ct.FailureReason = ev.Reason
		if ct.FailureReason == "" {
			ct.FailureReason = ev.Event
		}
	}
	updated, err := c.store.UpdateContract(ctx, ct)
	if model.IsCode(err, model.ErrConflict) {
		// Another delivery got there first.
		current, gerr := c.store.GetContract(ctx, ct.ID)
		if gerr == nil && current.Status != model.ContractPendingSignature {
			return model.ReconcileResult{Contract: current, Applied: false}, nil
		}
		return model.ReconcileResult{}, model.NewInvalidStateError(
			fmt.Sprintf("contract %s changed during reconciliation", ct.ID),
		).WithCause(err)
	}
	if err != nil {
		return model.ReconcileResult{}, fmt.Errorf("updating contract %s: %w", ct.ID, err)
	}

	// 4. Side effects.
	data := map[string]any{"event": ev.Event}
	if ev.EventID != "" {
		data["event_id"] = ev.EventID
	}
	if updated.FailureReason != "" {
		data["reason"] = updated.FailureReason
	}
	c.sink.Transition(ctx, rctx, audit.Transition{
		TenantID:   updated.TenantID,
		EntityType: model.EntityContract,
		EntityID:   updated.ID,
		From:       string(from),
		To:         string(to),
		Data:       data,
	})
	c.sink.Changed(ctx, model.EntityApplication, updated.ApplicationID, "contract_"+string(to))

	res = model.ReconcileResult{Contract: updated, Applied: true}
	if to == model.ContractSigned {
		c.outcome("signed")
		log.Info("signature event applied", zap.String("status", string(updated.Status)))
		// The signature stands either way. A sync failure is returned so the
		// delivery is retried, and the retry finishes the sync.
		_, err = c.syncProvider(ctx, rctx, updated)
		return res, err
	}

	c.outcome("failed")
	if app, aerr := c.store.GetApplication(ctx, updated.ApplicationID); aerr == nil {
		c.notifyFailed(ctx, app, updated)
	} else {
		log.Warn("loading application for notification", zap.Error(aerr))
	}
	log.Info("signature event applied", zap.String("status", string(updated.Status)))
	return res, nil
}

// syncProvider brings the provider of a signed contract up to date and
// tells the candidate. It reports false when there was nothing to do.
func (c *Coordinator) syncProvider(ctx context.Context, rctx *model.RequestContext, ct model.Contract) (bool, error) {
	log := observability.RequestLogger(ctx, c.logger).With(zap.String("contract_id", ct.ID))

	synced, err := c.sync.Synced(ctx, ct)
	if err != nil {
		log.Error("checking provider of signed contract", zap.Error(err))
		return false, model.NewProviderUnavailableError("provider records").WithCause(err)
	}
	if synced {
		return false, nil
	}
	if _, err := c.sync.SyncFromContract(ctx, rctx, ct); err != nil {
		log.Error("provider sync failed after signature", zap.Error(err))
		return false, model.NewProviderUnavailableError("provider records").WithCause(err)
	}

	app, err := c.store.GetApplication(ctx, ct.ApplicationID)
	if err != nil {
		log.Warn("loading application for notification", zap.Error(err))
		return true, nil
	}
	c.sink.Notify(ctx, model.Notification{
		TenantID:    app.TenantID,
		RecipientID: app.CandidateID,
		Title:       "Contract signed",
		Message:     fmt.Sprintf("Contract %s is signed. Your accreditation is active.", ct.Number),
		EntityType:  model.EntityContract,
		EntityID:    ct.ID,
	})
	return true, nil
}

func (c *Coordinator) markViewed(ctx context.Context, rctx *model.RequestContext, ct model.Contract, ev model.SignatureEvent) (model.ReconcileResult, error) {
	if ct.Status != model.ContractPendingSignature || ct.ViewedAt != nil {
		return model.ReconcileResult{Contract: ct, Applied: false}, nil
	}
	at := c.now().UTC()
	if ev.OccurredAt != nil {
		at = ev.OccurredAt.UTC()
	}
	ct.ViewedAt = &at
	updated, err := c.store.UpdateContract(ctx, ct)
	if model.IsCode(err, model.ErrConflict) {
		current, gerr := c.store.GetContract(ctx, ct.ID)
		if gerr != nil {
			return model.ReconcileResult{}, gerr
		}
		return model.ReconcileResult{Contract: current, Applied: false}, nil
	}
	if err != nil {
		return model.ReconcileResult{}, fmt.Errorf("updating contract %s: %w", ct.ID, err)
	}
	c.sink.Transition(ctx, rctx, audit.Transition{
		TenantID:   updated.TenantID,
		EntityType: model.EntityContract,
		EntityID:   updated.ID,
		Action:     "viewed",
		From:       string(updated.Status),
		To:         string(updated.Status),
	})
	return model.ReconcileResult{Contract: updated, Applied: true}, nil
}

// Regenerate supersedes a contract and issues a fresh one for the same
// application, then dispatches it. A second call on the same contract
// fails with ALREADY_SUPERSEDED. When only the dispatch fails the fresh
// contract is returned together with the error.
func (c *Coordinator) Regenerate(ctx context.Context, rctx *model.RequestContext, oldContractID string) (ct model.Contract, err error) {
	ctx, span := observability.StartSpan(ctx, "contract.regenerate",
		observability.AttrContractID.String(oldContractID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	ctx, cancel := c.withTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	// 1. Load and guard.
	old, err := c.store.GetContract(ctx, oldContractID)
	if err != nil {
		return model.Contract{}, err
	}
	switch old.Status {
	case model.ContractSuperseded:
		return model.Contract{}, model.NewAlreadySupersededError(old.ID)
	case model.ContractSigned:
		return model.Contract{}, model.NewInvalidStateError(
			fmt.Sprintf("contract %s is signed and cannot be regenerated", old.ID),
		)
	}
	if err := lifecycle.Contracts.Check(rctx, old.Status, model.ContractSuperseded, ""); err != nil {
		return model.Contract{}, err
	}

	// 2. Generate the replacement. The old contract is retired in the same
	// store write that inserts it, so a failure leaves it as it was. The
	// store's version check lets one caller through.
	from := old.Status
	var superseded model.Contract
	delegated := delegate(rctx)
	fresh, err := c.generate(ctx, delegated, old.ApplicationID, old.TemplateID, uuid.NewString(), old.ID,
		func(ctx context.Context, ct model.Contract) error {
			retired := old
			retired.Status = model.ContractSuperseded
			retired.SupersededBy = ct.ID
			var err error
			superseded, err = c.store.SupersedeAndCreate(ctx, retired, ct)
			if !model.IsCode(err, model.ErrConflict) {
				return err
			}
			current, gerr := c.store.GetContract(ctx, old.ID)
			if gerr != nil || current.Version == old.Version {
				return err
			}
			if current.Status == model.ContractSuperseded {
				return model.NewAlreadySupersededError(old.ID).WithCause(err)
			}
			return model.NewInvalidStateError(
				fmt.Sprintf("contract %s changed during regeneration", old.ID),
			).WithCause(err)
		})
	if err != nil {
		return model.Contract{}, err
	}
	c.sink.Transition(ctx, rctx, audit.Transition{
		TenantID:   superseded.TenantID,
		EntityType: model.EntityContract,
		EntityID:   superseded.ID,
		From:       string(from),
		To:         string(model.ContractSuperseded),
		Data:       map[string]any{"superseded_by": fresh.ID},
	})
	c.outcome("superseded")

	// 3. Dispatch the replacement on the caller's behalf.
	dispatched, err := c.dispatch(ctx, delegated, fresh.ID)
	if err != nil {
		return fresh, err
	}
	return dispatched, nil
}

// delegate keeps the caller's identity for the audit trail while granting
// the follow-up steps of an operation the caller was already authorized
// for.
func delegate(rctx *model.RequestContext) *model.RequestContext {
	d := *rctx
	d.Capabilities = model.CapabilitySet{"*": true}
	return &d
}

func (c *Coordinator) notifyFailed(ctx context.Context, app model.Application, ct model.Contract) {
	c.sink.Notify(ctx, model.Notification{
		TenantID:    app.TenantID,
		RecipientID: app.CandidateID,
		Title:       "Contract signature failed",
		Message:     fmt.Sprintf("Contract %s could not be signed: %s. A new contract will be issued.", ct.Number, ct.FailureReason),
		EntityType:  model.EntityContract,
		EntityID:    ct.ID,
	})
}

func (c *Coordinator) outcome(o string) {
	if c.metrics != nil {
		c.metrics.RecordContractOutcome(o)
	}
}

func (c *Coordinator) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

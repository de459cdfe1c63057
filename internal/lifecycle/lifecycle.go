// Package lifecycle defines the legal status transitions of applications,
// contracts and sanctions together with the capability that authorizes
// each edge.
package lifecycle

import (
	"fmt"

	"github.com/pitabwire/accredit/model"
)

// Edge is one permitted transition.
type Edge[S ~string] struct {
	From S
	To   S

	// Capability the caller must hold. Empty means the edge is driven by the
	// system (webhooks, schedulers) and needs no caller capability.
	Capability string

	// OwnerOnly restricts the edge to the entity's owner, in addition to the
	// capability.
	OwnerOnly bool
}

// Table is the directed transition graph of one entity type.
type Table[S ~string] struct {
	entity string
	edges  []Edge[S]
}

// NewTable builds a table for the named entity.
func NewTable[S ~string](entity string, edges ...Edge[S]) Table[S] {
	return Table[S]{entity: entity, edges: edges}
}

// Entity returns the entity name used in error messages.
func (t Table[S]) Entity() string { return t.entity }

// Find returns the edge from → to, if any.
func (t Table[S]) Find(from, to S) (Edge[S], bool) {
	for _, e := range t.edges {
		if e.From == from && e.To == to {
			return e, true
		}
	}
	return Edge[S]{}, false
}

// Targets lists the statuses reachable from the given status in one step.
func (t Table[S]) Targets(from S) []S {
	var out []S
	for _, e := range t.edges {
		if e.From == from {
			out = append(out, e.To)
		}
	}
	return out
}

// Terminal reports whether no edge leaves the status.
func (t Table[S]) Terminal(s S) bool {
	return len(t.Targets(s)) == 0
}

// Check validates that rctx may move an entity owned by ownerID from → to.
// A missing edge fails with INVALID_TRANSITION; a missing capability or a
// failed owner check fails with NOT_AUTHORIZED.
func (t Table[S]) Check(rctx *model.RequestContext, from, to S, ownerID string) error {
	edge, ok := t.Find(from, to)
	if !ok {
		return model.NewInvalidTransitionError(t.entity, string(from), string(to))
	}
	if edge.Capability != "" && !rctx.Can(edge.Capability) {
		return model.NewNotAuthorizedError(
			fmt.Sprintf("capability %q is required to move %s from %q to %q", edge.Capability, t.entity, from, to),
		)
	}
	if edge.OwnerOnly && (rctx == nil || rctx.SubjectID != ownerID) {
		return model.NewNotAuthorizedError(
			fmt.Sprintf("only the owner may move %s from %q to %q", t.entity, from, to),
		)
	}
	return nil
}

// CheckPath validates a multi-step walk, e.g. generated → pending_signature
// → failed, edge by edge.
func (t Table[S]) CheckPath(rctx *model.RequestContext, ownerID string, path ...S) error {
	for i := 1; i < len(path); i++ {
		if err := t.Check(rctx, path[i-1], path[i], ownerID); err != nil {
			return err
		}
	}
	return nil
}

// Applications is the application lifecycle. Only candidates move drafts
// and corrections forward; analysts and managers drive the analysis.
var Applications = NewTable(model.EntityApplication,
	Edge[model.ApplicationStatus]{From: model.ApplicationDraft, To: model.ApplicationSubmitted, Capability: model.CapApplicationSubmit, OwnerOnly: true},
	Edge[model.ApplicationStatus]{From: model.ApplicationSubmitted, To: model.ApplicationUnderAnalysis, Capability: model.CapApplicationAnalysis},
	Edge[model.ApplicationStatus]{From: model.ApplicationUnderAnalysis, To: model.ApplicationApproved, Capability: model.CapApplicationDecide},
	Edge[model.ApplicationStatus]{From: model.ApplicationUnderAnalysis, To: model.ApplicationRejected, Capability: model.CapApplicationDecide},
	Edge[model.ApplicationStatus]{From: model.ApplicationUnderAnalysis, To: model.ApplicationPendingCorrection, Capability: model.CapApplicationDecide},
	Edge[model.ApplicationStatus]{From: model.ApplicationPendingCorrection, To: model.ApplicationUnderAnalysis, Capability: model.CapApplicationResubmit, OwnerOnly: true},
)

// Contracts is the contract lifecycle. Signature outcomes arrive from the
// signing provider and carry no caller capability.
var Contracts = NewTable(model.EntityContract,
	Edge[model.ContractStatus]{From: model.ContractGenerated, To: model.ContractPendingSignature, Capability: model.CapContractDispatch},
	Edge[model.ContractStatus]{From: model.ContractPendingSignature, To: model.ContractSigned},
	Edge[model.ContractStatus]{From: model.ContractPendingSignature, To: model.ContractFailed},
	Edge[model.ContractStatus]{From: model.ContractGenerated, To: model.ContractSuperseded, Capability: model.CapContractRegenerate},
	Edge[model.ContractStatus]{From: model.ContractPendingSignature, To: model.ContractSuperseded, Capability: model.CapContractRegenerate},
	Edge[model.ContractStatus]{From: model.ContractFailed, To: model.ContractSuperseded, Capability: model.CapContractRegenerate},
)

// Sanctions is the sanction lifecycle.
var Sanctions = NewTable(model.EntitySanction,
	Edge[model.SanctionStatus]{From: model.SanctionActive, To: model.SanctionServed, Capability: model.CapSanctionTransition},
	Edge[model.SanctionStatus]{From: model.SanctionActive, To: model.SanctionCancelled, Capability: model.CapSanctionTransition},
	Edge[model.SanctionStatus]{From: model.SanctionActive, To: model.SanctionSuspended, Capability: model.CapSanctionTransition},
	Edge[model.SanctionStatus]{From: model.SanctionSuspended, To: model.SanctionActive, Capability: model.CapSanctionTransition},
	Edge[model.SanctionStatus]{From: model.SanctionSuspended, To: model.SanctionCancelled, Capability: model.CapSanctionTransition},
)

package model

import "strings"

// Capabilities checked by the credentialing services.
const (
	CapApplicationCreate   = "applications:create:execute"
	CapApplicationView     = "applications:detail:view"
	CapApplicationList     = "applications:list:view"
	CapApplicationSubmit   = "applications:submit:execute"
	CapApplicationAnalysis = "applications:analysis:execute"
	CapApplicationDecide   = "applications:decide:execute"
	CapApplicationResubmit = "applications:resubmit:execute"

	CapContractView       = "contracts:detail:view"
	CapContractGenerate   = "contracts:generate:execute"
	CapContractDispatch   = "contracts:dispatch:execute"
	CapContractRegenerate = "contracts:regenerate:execute"
	CapContractReprocess  = "contracts:reprocess:execute"

	CapProviderView = "providers:detail:view"

	CapSanctionView       = "sanctions:list:view"
	CapSanctionApply      = "sanctions:apply:execute"
	CapSanctionTransition = "sanctions:transition:execute"

	CapValidatorLookup = "validators:lookup:execute"
	CapGeocodeLookup   = "geocoding:lookup:execute"
)

// CapabilitySet is a set of capabilities granted to a user. Each key is a
// capability string (e.g. "applications:decide:execute") and may include
// wildcards (e.g. "applications:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities (including
// via wildcards).
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set matches at least one of the given
// capabilities (including via wildcards).
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"                      matches anything
//	"applications:*"         matches "applications:decide:execute"
//	"applications:decide:*"  matches "applications:decide:execute"
//	"applications:decide"    does NOT match "applications:decide:execute"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	// Resolve returns all capabilities for the given subject and tenant.
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given user and tenant.
	Invalidate(subjectID, tenantID string)
}

// PolicyEvaluator maps a caller's roles to capabilities.
type PolicyEvaluator interface {
	// ResolveCapabilities returns the full capability set for the given context.
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from its source.
	Sync() error
}

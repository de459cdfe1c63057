package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// RequestContext carries the caller's identity, tenancy and resolved
// capabilities for the lifetime of a request. Services receive it as an
// explicit argument; the context.Context copy exists only so middleware can
// hand it to handlers. It is immutable after construction and safe for
// concurrent reads.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	Claims        map[string]any
	Capabilities  CapabilitySet
	SessionID     string
	CorrelationID string
	TraceID       string
	SpanID        string
	Locale        string
}

// Validate checks that all mandatory fields are present.
// SubjectID and TenantID must be non-empty.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.TenantID == "" {
		errs = append(errs, fmt.Errorf("TenantID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// Can reports whether the caller holds the capability. A nil context holds
// nothing.
func (rc *RequestContext) Can(capability string) bool {
	if rc == nil {
		return false
	}
	return rc.Capabilities.Has(capability)
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

// SystemTenant is the tenant of SystemContext. It spans every tenant.
const SystemTenant = "system"

// InTenant reports whether the caller may act on records of tenantID.
func (rc *RequestContext) InTenant(tenantID string) bool {
	if rc == nil {
		return false
	}
	return rc.TenantID == SystemTenant || rc.TenantID == tenantID
}

// SystemContext returns the identity used by background jobs and inbound
// webhooks. It holds every capability.
func SystemContext(actor string) *RequestContext {
	return &RequestContext{
		SubjectID:    actor,
		TenantID:     SystemTenant,
		Capabilities: CapabilitySet{"*": true},
	}
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext extracts the RequestContext from the context, panicking if
// it is not present. This is safe to call in handlers that are guaranteed to run
// behind the authentication middleware.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}

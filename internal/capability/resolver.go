// Package capability resolves and caches the capabilities granted to a
// caller's roles.
package capability

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/accredit/model"
)

// Metrics counts cache lookups.
type Metrics interface {
	RecordCapabilityCacheHit()
	RecordCapabilityCacheMiss()
}

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	metrics   Metrics
	now       func() time.Time
	mu        sync.RWMutex
	cache     map[string]cacheEntry
}

// NewResolver creates a Resolver with the given evaluator and cache TTL.
// metrics may be nil.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, metrics Metrics) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		metrics:   metrics,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
}

// cacheKey includes the roles because they come from the token and may
// change between sessions.
func cacheKey(rctx *model.RequestContext) string {
	roles := slices.Clone(rctx.Roles)
	slices.Sort(roles)
	return rctx.SubjectID + ":" + rctx.TenantID + ":" + strings.Join(roles, ",")
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expires) {
		r.hit(true)
		return entry.caps, nil
	}
	r.hit(false)

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{caps: caps, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Invalidate clears cached capabilities for the given user and tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	prefix := subjectID + ":" + tenantID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// Sync reloads the policy and drops every cached set.
func (r *Resolver) Sync() error {
	if err := r.evaluator.Sync(); err != nil {
		return err
	}
	r.mu.Lock()
	clear(r.cache)
	r.mu.Unlock()
	return nil
}

func (r *Resolver) hit(ok bool) {
	if r.metrics == nil {
		return
	}
	if ok {
		r.metrics.RecordCapabilityCacheHit()
	} else {
		r.metrics.RecordCapabilityCacheMiss()
	}
}

package capability

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/accredit/model"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicyEvaluator resolves capabilities from a YAML document mapping
// roles to capability strings.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator creates an evaluator that loads policies from
// path. An empty path selects the built-in policy.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the union of capabilities for all roles in the
// request context.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, c := range e.policy.Roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Roles returns the configured role names.
func (e *StaticPolicyEvaluator) Roles() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	roles := make([]string, 0, len(e.policy.Roles))
	for r := range e.policy.Roles {
		roles = append(roles, r)
	}
	return roles
}

// Sync reloads the policy.
func (e *StaticPolicyEvaluator) Sync() error {
	data := defaultPolicy
	source := "built-in policy"
	if e.path != "" {
		var err error
		if data, err = os.ReadFile(e.path); err != nil {
			return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
		}
		source = e.path
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing %s: %w", source, err)
	}
	if len(p.Roles) == 0 {
		return fmt.Errorf("capability: %s defines no roles", source)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	return nil
}

package agent

import (
	"fmt"
	"sort"
	"sync"
)

// SubAgentRegistry holds the sub-agent specs a task tool may spawn.
// Specs are immutable once registered.
type SubAgentRegistry struct {
	mu    sync.RWMutex
	specs map[string]SubAgentSpec
}

// NewSubAgentRegistry creates a registry holding specs.
func NewSubAgentRegistry(specs ...SubAgentSpec) (*SubAgentRegistry, error) {
	r := &SubAgentRegistry{specs: make(map[string]SubAgentSpec)}
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register stores a spec. Names are unique.
func (r *SubAgentRegistry) Register(spec SubAgentSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("subagent spec: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[spec.Name]; ok {
		return fmt.Errorf("subagent %q already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Has reports whether name is registered.
func (r *SubAgentRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[name]
	return ok
}

// Get returns the spec registered under name.
func (r *SubAgentRegistry) Get(name string) (SubAgentSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Names returns all registered names, sorted.
func (r *SubAgentRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns all registered specs, sorted by name.
func (r *SubAgentRegistry) Specs() []SubAgentSpec {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SubAgentSpec, 0, len(names))
	for _, name := range names {
		out = append(out, r.specs[name])
	}
	return out
}

package workflow

import (
	"sort"
	"sync"
)

// Registry holds workflow definitions by operation name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates a registry holding defs.
// Later definitions of the same operation replace earlier ones.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and adds d, replacing any definition of the same operation.
func (r *Registry) Register(d *Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Operation] = d
	return nil
}

// Definition returns the definition for operation.
func (r *Registry) Definition(operation string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[operation]
	return d, ok
}

// Operations returns the sorted operation names.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.defs))
	for op := range r.defs {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

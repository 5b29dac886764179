package rfc

import (
	"sort"
	"sync"
)

// Registry holds function descriptors keyed by upper-case name. It is safe
// for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]FunctionDescriptor
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]FunctionDescriptor)}
}

// Install validates desc and stores a copy, replacing any previous entry.
func (r *Registry) Install(desc FunctionDescriptor) error {
	d := desc.Clone()
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[d.Name] = d
	return nil
}

func (r *Registry) Lookup(name string) (FunctionDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.funcs[NormalizeName(name)]
	if !ok {
		return FunctionDescriptor{}, false
	}
	return d.Clone(), true
}

func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	name = NormalizeName(name)
	if _, ok := r.funcs[name]; !ok {
		return false
	}
	delete(r.funcs, name)
	return true
}

// Names returns installed function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.funcs)
}

package capture

import "fmt"

// Registry records every probe an instrumentation pass creates, in
// insertion order. Aggregation walks the registry instead of
// re-scanning the module tree by type.
type Registry struct {
	names  []string
	probes map[string]*Probe
}

func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]*Probe)}
}

// Add registers a probe under its module attribute name. Registering
// a name twice is a construction error.
func (r *Registry) Add(name string, p *Probe) error {
	if _, exists := r.probes[name]; exists {
		return fmt.Errorf("probe %q already registered", name)
	}
	r.names = append(r.names, name)
	r.probes[name] = p
	return nil
}

// Get returns the probe registered under name.
func (r *Registry) Get(name string) (*Probe, bool) {
	p, ok := r.probes[name]
	return p, ok
}

// List returns all probes in insertion order.
func (r *Registry) List() []*Probe {
	out := make([]*Probe, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.probes[name])
	}
	return out
}

// Len returns the number of registered probes.
func (r *Registry) Len() int { return len(r.names) }

// SetEnabled flips capture on every registered probe.
func (r *Registry) SetEnabled(enabled bool) {
	for _, name := range r.names {
		r.probes[name].Enabled = enabled
	}
}

// ResetAll drops captured state on every registered probe.
func (r *Registry) ResetAll() {
	for _, name := range r.names {
		r.probes[name].Reset()
	}
}

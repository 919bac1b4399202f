package transform

import (
	"fmt"

	"SearchSync/internal/domain"
)

// Transformer maps one extracted source row to its index document.
// Implementations must be pure: no clocks, no I/O, no shared state, so a
// transform is unit-testable with literal rows.
type Transformer interface {
	Name() string
	Apply(row domain.Row) (domain.Document, error)
}

// Registry keeps a mapping from transform names to their implementations.
type Registry struct {
	transformers map[string]Transformer
}

// NewRegistry builds a registry preloaded with the built-in transforms.
func NewRegistry() *Registry {
	r := &Registry{transformers: map[string]Transformer{}}
	r.Register(CompanyTransformer{})
	r.Register(ProspectTransformer{})
	r.Register(CompanyProspectTransformer{})
	return r
}

// Register adds or replaces a transformer implementation.
func (r *Registry) Register(t Transformer) {
	if r.transformers == nil {
		r.transformers = map[string]Transformer{}
	}
	r.transformers[t.Name()] = t
}

// Resolve returns a transformer by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Transformer, error) {
	if t, ok := r.transformers[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("transform %s is not registered", name)
}

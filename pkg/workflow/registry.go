package workflow

import (
	"fmt"
	"sync"
)

// Registry maps workflow slugs to definitions. Worker processes that attach
// to a queue by name use it to recover the definition for incoming tasks.
// It is initialized once at startup and safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates def and adds it to the registry. Registering a slug
// twice is a ValidationError.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Slug()]; exists {
		return NewValidationError("workflow.slug",
			fmt.Sprintf("workflow %q already registered", def.Slug()), ErrDuplicateStep)
	}
	r.defs[def.Slug()] = def
	return nil
}

// Get returns the definition registered under slug.
func (r *Registry) Get(slug string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[slug]
	if !ok {
		return nil, NewValidationError("workflow.slug",
			fmt.Sprintf("unknown workflow %q", slug), ErrUnknownStep)
	}
	return def, nil
}

// Slugs returns the registered workflow slugs. The returned list is a
// snapshot at the time of the call.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slugs := make([]string, 0, len(r.defs))
	for slug := range r.defs {
		slugs = append(slugs, slug)
	}
	return slugs
}

package pipeline

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Sentinel errors for phase registration.
var (
	// ErrPhaseAlreadyRegistered is returned when registering a duplicate
	// phase name or number.
	ErrPhaseAlreadyRegistered = errors.New("phase already registered")

	// ErrPhaseNotFound is returned when a phase dependency is not found.
	ErrPhaseNotFound = errors.New("phase not found")

	// ErrDependencyOrder is returned when a phase depends on a phase that
	// does not run before it.
	ErrDependencyOrder = errors.New("dependency does not run first")
)

// Registry manages available phases and their dependencies.
type Registry struct {
	mu     sync.RWMutex
	phases map[string]Phase
}

// NewRegistry creates an empty phase registry.
func NewRegistry() *Registry {
	return &Registry{phases: make(map[string]Phase)}
}

// Register adds a phase to the registry.
// Returns an error if a phase with the same name or number is already
// registered.
func (r *Registry) Register(p Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.phases[name]; exists {
		return fmt.Errorf("%w: %s", ErrPhaseAlreadyRegistered, name)
	}
	for _, other := range r.phases {
		if other.Number() == p.Number() {
			return fmt.Errorf("%w: %s and %s share number %d", ErrPhaseAlreadyRegistered, other.Name(), name, p.Number())
		}
	}

	r.phases[name] = p
	return nil
}

// ByNumber returns the phase with the given checkpoint number.
func (r *Registry) ByNumber(n int) (Phase, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.phases {
		if p.Number() == n {
			return p, true
		}
	}
	return nil, false
}

// GetOrdered returns phases sorted by checkpoint number. Every dependency
// must be registered with a lower number.
func (r *Registry) GetOrdered() ([]Phase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := make([]Phase, 0, len(r.phases))
	for _, p := range r.phases {
		ordered = append(ordered, p)
	}
	slices.SortFunc(ordered, func(a, b Phase) int { return cmp.Compare(a.Number(), b.Number()) })

	for _, p := range ordered {
		for _, dep := range p.Dependencies() {
			d, ok := r.phases[dep]
			if !ok {
				return nil, fmt.Errorf("%w: phase %q depends on %q", ErrPhaseNotFound, p.Name(), dep)
			}
			if d.Number() >= p.Number() {
				return nil, fmt.Errorf("%w: phase %q (number %d) depends on %q (number %d)",
					ErrDependencyOrder, p.Name(), p.Number(), dep, d.Number())
			}
		}
	}
	return ordered, nil
}

// Validate checks that every dependency exists and runs first.
func (r *Registry) Validate() error {
	_, err := r.GetOrdered()
	return err
}

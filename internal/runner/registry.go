package runner

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds registered runners and resolves which one handles a given
// task kind.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]Runner),
	}
}

// Register adds a runner for the given task kind.
func (r *Registry) Register(kind string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[kind] = runner
}

// Resolve returns the runner for kind, or an error if none is registered.
func (r *Registry) Resolve(kind string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[kind]
	if !ok {
		return nil, fmt.Errorf("no runner registered for kind %q", kind)
	}
	return runner, nil
}

// Kinds returns all registered kinds, sorted for a stable API response.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.runners))
	for kind := range r.runners {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

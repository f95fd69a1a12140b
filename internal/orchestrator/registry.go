package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mtzanidakis/agora/internal/envelope"
)

// Registry holds named orchestrators so the web and trigger surfaces
// can run workflows by name.
type Registry struct {
	mu    sync.RWMutex
	orchs map[string]*Orchestrator
}

func NewRegistry() *Registry {
	return &Registry{orchs: make(map[string]*Orchestrator)}
}

// Register adds o under its workflow name. A second registration with
// the same name is rejected.
func (r *Registry) Register(o *Orchestrator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orchs[o.Name()]; exists {
		return fmt.Errorf("workflow %q already registered", o.Name())
	}
	r.orchs[o.Name()] = o
	return nil
}

// Get returns the orchestrator for name, or nil when unknown.
func (r *Registry) Get(name string) *Orchestrator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orchs[name]
}

// Names lists the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.orchs))
	for name := range r.orchs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the named workflow. Unknown names are an error here,
// unlike unknown message recipients, because the caller asked for a
// specific workflow by name.
func (r *Registry) Run(ctx context.Context, name string, initialData map[string]any) (*envelope.Message, error) {
	o := r.Get(name)
	if o == nil {
		return nil, fmt.Errorf("unknown workflow %q", name)
	}
	return o.Run(ctx, initialData)
}

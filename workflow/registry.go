package workflow

import (
	"sort"
	"sync"

	"github.com/BaSui01/agentorch/types"
)

// Registry holds workflows by ID.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]*Workflow)}
}

// Create makes a new workflow and registers it.
func (r *Registry) Create(name, description string) *Workflow {
	w := New(name, description)
	r.mu.Lock()
	r.workflows[w.ID] = w
	r.mu.Unlock()
	return w
}

// Add registers an existing workflow.
func (r *Registry) Add(w *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[w.ID]; exists {
		return types.Errorf(types.ErrValidation, "workflow %s already registered", w.ID)
	}
	r.workflows[w.ID] = w
	return nil
}

// Get looks up a workflow.
func (r *Registry) Get(id string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[id]
	if !ok {
		return nil, types.Errorf(types.ErrWorkflowNotFound, "workflow %s not found", id)
	}
	return w, nil
}

// Remove drops the workflow and its tasks. Returns false if it was not present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[id]; !ok {
		return false
	}
	delete(r.workflows, id)
	return true
}

// List returns all workflows, oldest first.
func (r *Registry) List() []*Workflow {
	r.mu.RLock()
	out := make([]*Workflow, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

package workflow

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentorch/types"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Workflow is a named set of tasks with declared dependencies.
// A workflow exclusively owns its tasks.
type Workflow struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time

	mu     sync.RWMutex
	status Status
	tasks  map[string]*Task
	order  []string // insertion order, used for deterministic scheduling
}

// New creates an empty workflow with a generated ID.
func New(name, description string) *Workflow {
	return &Workflow{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now(),
		status:      StatusPending,
		tasks:       make(map[string]*Task),
	}
}

// AddTask adds a task. Every dependency must already exist in the workflow.
func (w *Workflow) AddTask(spec TaskSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", types.NewError(types.ErrValidation, "task name is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := w.tasks[id]; exists {
		return "", types.Errorf(types.ErrValidation, "task %q already exists", id)
	}

	deps := make([]string, 0, len(spec.DependsOn))
	seen := make(map[string]struct{}, len(spec.DependsOn))
	for _, dep := range spec.DependsOn {
		if _, ok := w.tasks[dep]; !ok {
			return "", types.Errorf(types.ErrDependencyNotFound, "dependency %q not found in workflow %s", dep, w.ID)
		}
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}
		deps = append(deps, dep)
	}

	inputs := spec.Inputs
	if inputs == nil {
		inputs = make(map[string]any)
	}
	w.tasks[id] = &Task{
		ID:        id,
		Name:      spec.Name,
		Agent:     spec.Agent,
		Inputs:    inputs,
		Status:    TaskPending,
		DependsOn: deps,
	}
	w.order = append(w.order, id)
	return id, nil
}

// AddDependency adds an edge so that taskID waits for dependsOn.
// Both tasks must exist. Acyclicity is not checked here; ordering rejects cycles.
func (w *Workflow) AddDependency(taskID, dependsOn string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.tasks[taskID]
	if !ok {
		return types.Errorf(types.ErrDependencyNotFound, "task %q not found in workflow %s", taskID, w.ID)
	}
	if _, ok := w.tasks[dependsOn]; !ok {
		return types.Errorf(types.ErrDependencyNotFound, "dependency %q not found in workflow %s", dependsOn, w.ID)
	}
	if !t.dependsOn(dependsOn) {
		t.DependsOn = append(t.DependsOn, dependsOn)
	}
	return nil
}

// Task returns a snapshot of the task with the given ID.
func (w *Workflow) Task(id string) (*Task, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.tasks[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Tasks returns snapshots of all tasks in insertion order.
func (w *Workflow) Tasks() []*Task {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Task, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.tasks[id].clone())
	}
	return out
}

// Len returns the number of tasks.
func (w *Workflow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.order)
}

// Status returns the workflow status.
func (w *Workflow) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// SetStatus sets the workflow status.
func (w *Workflow) SetStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// UpdateTask applies fn to the live task under the workflow lock.
// It is meant for the engine driving this workflow.
func (w *Workflow) UpdateTask(id string, fn func(t *Task)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tasks[id]
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	fn(t)
	return nil
}

// Reset returns every task to pending and clears run output.
func (w *Workflow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.tasks {
		t.Status = TaskPending
		t.Outputs = nil
		t.Error = ""
		t.Attempts = 0
		t.Cached = false
	}
	w.status = StatusPending
}

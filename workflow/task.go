package workflow

import "maps"

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status will not change again during a run.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is a unit of agent work inside a workflow.
// ID, Name, Agent and Inputs are fixed at creation. Status, Outputs and Error
// belong to the engine driving the owning workflow.
type Task struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	Agent     string         `json:"agent" yaml:"agent"`
	Inputs    map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Status    TaskStatus     `json:"status" yaml:"status"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
	Attempts  int            `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Cached    bool           `json:"cached,omitempty" yaml:"cached,omitempty"`
}

// TaskSpec describes a task to add to a workflow.
type TaskSpec struct {
	// ID is optional; a generated ID is used when empty.
	ID        string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name      string         `json:"name" yaml:"name"`
	Agent     string         `json:"agent" yaml:"agent"`
	Inputs    map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// dependsOn reports whether id is already a dependency of t.
func (t *Task) dependsOn(id string) bool {
	for _, d := range t.DependsOn {
		if d == id {
			return true
		}
	}
	return false
}

// clone returns a copy that shares no maps or slices with t.
func (t *Task) clone() *Task {
	c := *t
	c.Inputs = maps.Clone(t.Inputs)
	c.Outputs = maps.Clone(t.Outputs)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	return &c
}

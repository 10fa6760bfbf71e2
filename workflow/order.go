package workflow

import (
	"fmt"
	"strings"

	"github.com/BaSui01/agentorch/types"
)

// CycleError is returned when no remaining task can become ready.
type CycleError struct {
	WorkflowID string
	// Stuck lists the tasks that could not be scheduled, in insertion order.
	Stuck []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected in workflow %s: tasks [%s] cannot be scheduled",
		e.WorkflowID, strings.Join(e.Stuck, ", "))
}

// Unwrap exposes the coded form so types.GetErrorCode works on a CycleError.
func (e *CycleError) Unwrap() error {
	return types.NewError(types.ErrCycleDetected, "workflow graph contains a cycle")
}

// ReadyBatches groups tasks into dependency levels. Every task in batch i
// depends only on tasks in batches before i. Tasks inside a batch keep
// insertion order. Returns *CycleError if the graph has a cycle.
//
// ReadyBatches never mutates the workflow.
func ReadyBatches(w *Workflow) ([][]*Task, error) {
	tasks := w.Tasks()

	remaining := tasks
	completed := make(map[string]struct{}, len(tasks))
	var batches [][]*Task

	for len(remaining) > 0 {
		var ready, rest []*Task
		for _, t := range remaining {
			if depsSatisfied(t, completed) {
				ready = append(ready, t)
			} else {
				rest = append(rest, t)
			}
		}

		if len(ready) == 0 {
			stuck := make([]string, len(rest))
			for i, t := range rest {
				stuck[i] = t.ID
			}
			return nil, &CycleError{WorkflowID: w.ID, Stuck: stuck}
		}

		for _, t := range ready {
			completed[t.ID] = struct{}{}
		}
		batches = append(batches, ready)
		remaining = rest
	}

	return batches, nil
}

// Order returns all tasks in a valid topological order.
func Order(w *Workflow) ([]*Task, error) {
	batches, err := ReadyBatches(w)
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, w.Len())
	for _, b := range batches {
		out = append(out, b...)
	}
	return out, nil
}

// Validate checks that the workflow can be ordered.
func Validate(w *Workflow) error {
	_, err := ReadyBatches(w)
	return err
}

func depsSatisfied(t *Task, completed map[string]struct{}) bool {
	for _, d := range t.DependsOn {
		if _, ok := completed[d]; !ok {
			return false
		}
	}
	return true
}

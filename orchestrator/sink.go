package orchestrator

import (
	"context"

	"github.com/BaSui01/agentorch/engine"
	"github.com/BaSui01/agentorch/workflow"
)

// RunInfo describes a workflow run as it starts.
type RunInfo struct {
	RunID      string
	WorkflowID string
	Name       string
	EngineType string
	Tasks      []*workflow.Task
}

// StatusSink records run progress outside the process. Errors are logged by
// the orchestrator and never fail the run.
type StatusSink interface {
	WorkflowStarted(ctx context.Context, run RunInfo) error
	TaskUpdated(ctx context.Context, runID string, task *workflow.Task) error
	WorkflowFinished(ctx context.Context, runID string, result *engine.WorkflowResult) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) WorkflowStarted(context.Context, RunInfo) error { return nil }

func (NopSink) TaskUpdated(context.Context, string, *workflow.Task) error { return nil }

func (NopSink) WorkflowFinished(context.Context, string, *engine.WorkflowResult) error { return nil }

package engine

import (
	"context"
	"time"
)

// BackendRequest is what the adapter hands to a Backend after validation.
type BackendRequest struct {
	TaskID  string
	Spec    *ExecutionSpec
	Timeout time.Duration
}

// Backend runs a single execution. Implementations report failures as
// *types.Error so the retry and breaker layers can classify them; any other
// error is treated as a retryable backend error.
type Backend interface {
	Name() string
	Execute(ctx context.Context, req *BackendRequest) (map[string]any, error)
}

// FuncBackend adapts a function to the Backend interface.
type FuncBackend struct {
	BackendName string
	Fn          func(ctx context.Context, req *BackendRequest) (map[string]any, error)
}

// Name implements Backend.
func (f FuncBackend) Name() string {
	if f.BackendName == "" {
		return "func"
	}
	return f.BackendName
}

// Execute implements Backend.
func (f FuncBackend) Execute(ctx context.Context, req *BackendRequest) (map[string]any, error) {
	return f.Fn(ctx, req)
}

package engine

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/BaSui01/agentorch/types"
	"github.com/BaSui01/agentorch/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task input keys the workflow driver consumes instead of forwarding.
const (
	InputExecutionType = "execution_type"
	InputSkipCache     = "skip_cache"
)

// WorkflowOptions 工作流执行选项
type WorkflowOptions struct {
	// DefaultExecutionType 任务输入未指定 execution_type 时使用
	DefaultExecutionType string
	// SkipCache 对所有任务跳过缓存
	SkipCache bool
	// TaskTimeout 单个任务超时；0 使用适配器默认值
	TaskTimeout time.Duration
	// OnTaskUpdate 任务状态变化时回调（running/completed/failed），传入任务快照
	OnTaskUpdate func(workflowID string, task *workflow.Task)
}

// WorkflowResult 工作流执行结果
type WorkflowResult struct {
	WorkflowID string                      `json:"workflow_id"`
	RunID      string                      `json:"run_id,omitempty"`
	Status     workflow.Status             `json:"status"`
	Success    bool                        `json:"success"`
	Order      []string                    `json:"order"`
	Tasks      map[string]*ExecutionResult `json:"tasks"`
	Error      string                      `json:"error,omitempty"`
	ErrorCode  types.ErrorCode             `json:"error_code,omitempty"`
	Duration   time.Duration               `json:"duration"`
}

// ExecuteWorkflow 按依赖层级执行工作流。同一层内的任务并发执行（受并发闸门约束），
// 上游输出以 parameters["upstream"][taskID] 传给下游。
// 任一任务失败或 ctx 取消后不再启动新任务；已启动的任务会跑完。
// 图中存在环时不执行任何任务。
func (a *Adapter) ExecuteWorkflow(ctx context.Context, w *workflow.Workflow, opts WorkflowOptions) *WorkflowResult {
	start := time.Now()
	result := &WorkflowResult{
		WorkflowID: w.ID,
		Tasks:      make(map[string]*ExecutionResult),
	}

	ctx, span := a.tracer.Start(ctx, "engine.ExecuteWorkflow", trace.WithAttributes(
		attribute.String("agentorch.workflow_id", w.ID),
		attribute.Int("agentorch.tasks", w.Len()),
	))
	defer span.End()

	logger := a.logger.With(zap.String("workflow_id", w.ID))

	batches, err := workflow.ReadyBatches(w)
	if err != nil {
		w.SetStatus(workflow.StatusFailed)
		result.Status = workflow.StatusFailed
		result.Error = err.Error()
		result.ErrorCode = types.GetErrorCode(err)
		result.Duration = time.Since(start)
		span.SetStatus(codes.Error, result.Error)
		logger.Warn("workflow rejected", zap.Error(err))
		a.metrics.RecordWorkflow(string(result.Status), result.Duration)
		return result
	}

	w.SetStatus(workflow.StatusRunning)
	logger.Info("workflow started", zap.Int("tasks", w.Len()), zap.Int("levels", len(batches)))

	var (
		mu      sync.Mutex
		failed  bool
		outputs = make(map[string]map[string]any)
	)

	notify := func(id string) {
		if opts.OnTaskUpdate == nil {
			return
		}
		if t, ok := w.Task(id); ok {
			opts.OnTaskUpdate(w.ID, t)
		}
	}

	for _, batch := range batches {
		mu.Lock()
		stop := failed
		mu.Unlock()
		if stop || ctx.Err() != nil {
			break
		}

		var g errgroup.Group
		for _, task := range batch {
			g.Go(func() error {
				mu.Lock()
				upstream := make(map[string]any, len(task.DependsOn))
				for _, dep := range task.DependsOn {
					upstream[dep] = outputs[dep]
				}
				mu.Unlock()

				req := a.taskRequest(task, upstream, opts)
				_ = w.UpdateTask(task.ID, func(t *workflow.Task) { t.Status = workflow.TaskRunning })
				notify(task.ID)

				res := a.Execute(ctx, req)

				// 尚未开始就被取消的任务回到 pending
				if !res.Success && res.ErrorCode == types.ErrCancelled && ctx.Err() != nil {
					_ = w.UpdateTask(task.ID, func(t *workflow.Task) { t.Status = workflow.TaskPending })
					notify(task.ID)
					return nil
				}

				_ = w.UpdateTask(task.ID, func(t *workflow.Task) {
					t.Attempts = res.Attempts
					t.Cached = res.Cached
					if res.Success {
						t.Status = workflow.TaskCompleted
						t.Outputs = maps.Clone(res.Result)
						t.Error = ""
					} else {
						t.Status = workflow.TaskFailed
						t.Error = res.Error
					}
				})

				mu.Lock()
				result.Tasks[task.ID] = res
				if res.Success {
					outputs[task.ID] = res.Result
					result.Order = append(result.Order, task.ID)
				} else if !failed {
					failed = true
					result.Error = res.Error
					result.ErrorCode = res.ErrorCode
				}
				mu.Unlock()

				notify(task.ID)
				return nil
			})
		}
		_ = g.Wait()
	}

	switch {
	case failed:
		result.Status = workflow.StatusFailed
	case len(result.Order) == w.Len():
		result.Status = workflow.StatusCompleted
		result.Success = true
	default:
		result.Status = workflow.StatusCancelled
		result.ErrorCode = types.ErrCancelled
		result.Error = "workflow cancelled"
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			result.Error = "workflow cancelled: " + cause.Error()
		}
	}
	w.SetStatus(result.Status)
	result.Duration = time.Since(start)
	a.metrics.RecordWorkflow(string(result.Status), result.Duration)

	if result.Success {
		span.SetStatus(codes.Ok, "")
		logger.Info("workflow completed",
			zap.Int("tasks", len(result.Order)),
			zap.Duration("duration", result.Duration),
		)
	} else {
		span.SetStatus(codes.Error, result.Error)
		logger.Warn("workflow finished without success",
			zap.String("status", string(result.Status)),
			zap.Int("completed", len(result.Order)),
			zap.String("error", result.Error),
		)
	}
	return result
}

// taskRequest 把任务输入转换成执行请求
func (a *Adapter) taskRequest(task *workflow.Task, upstream map[string]any, opts WorkflowOptions) *ExecutionRequest {
	params := maps.Clone(task.Inputs)
	if params == nil {
		params = make(map[string]any)
	}

	execType := opts.DefaultExecutionType
	if v, ok := params[InputExecutionType].(string); ok && v != "" {
		execType = v
	}
	delete(params, InputExecutionType)

	skip := opts.SkipCache
	if v, ok := params[InputSkipCache].(bool); ok {
		skip = skip || v
	}
	delete(params, InputSkipCache)

	if len(upstream) > 0 {
		params[UpstreamKey] = upstream
	}

	return &ExecutionRequest{
		TaskID:        task.ID,
		ExecutionType: execType,
		Parameters:    params,
		Timeout:       opts.TaskTimeout,
		SkipCache:     skip,
	}
}

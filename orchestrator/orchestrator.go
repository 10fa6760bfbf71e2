package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/agentorch/engine"
	"github.com/BaSui01/agentorch/types"
	"github.com/BaSui01/agentorch/workflow"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Option 编排器可选项
type Option func(*Orchestrator)

// WithEngine 注册一个执行引擎；第一个注册的引擎成为默认引擎
func WithEngine(name string, a *engine.Adapter) Option {
	return func(o *Orchestrator) {
		o.engines[name] = a
		if o.defaultEngine == "" {
			o.defaultEngine = name
		}
	}
}

// WithDefaultEngine 指定 engineType 为空时使用的引擎
func WithDefaultEngine(name string) Option {
	return func(o *Orchestrator) { o.defaultEngine = name }
}

// WithSink 设置运行状态记录器
func WithSink(s StatusSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithRegistry 使用已有的工作流注册表
func WithRegistry(r *workflow.Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// Orchestrator 工作流编排入口：创建工作流、添加任务、选择引擎执行、取消
type Orchestrator struct {
	registry      *workflow.Registry
	engines       map[string]*engine.Adapter
	defaultEngine string
	sink          StatusSink
	events        *hub
	logger        *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New 创建编排器
func New(logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		engines: make(map[string]*engine.Adapter),
		events:  newHub(),
		logger:  logger.With(zap.String("component", "orchestrator")),
		running: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = workflow.NewRegistry()
	}
	if o.sink == nil {
		o.sink = NopSink{}
	}
	return o
}

// =============================================================================
// 📋 工作流管理
// =============================================================================

// CreateWorkflow 创建空工作流
func (o *Orchestrator) CreateWorkflow(name, description string) *workflow.Workflow {
	w := o.registry.Create(name, description)
	o.logger.Info("workflow created", zap.String("workflow_id", w.ID), zap.String("name", name))
	return w
}

// LoadDefinition 从 YAML 定义创建并注册工作流
func (o *Orchestrator) LoadDefinition(data []byte) (*workflow.Workflow, error) {
	def, err := workflow.ParseDefinition(data)
	if err != nil {
		return nil, err
	}
	return o.Define(def)
}

// Define 按已解析的定义创建并注册工作流
func (o *Orchestrator) Define(def *workflow.Definition) (*workflow.Workflow, error) {
	if def == nil || def.Name == "" {
		return nil, types.NewError(types.ErrValidation, "workflow name is required")
	}
	w, err := def.Build()
	if err != nil {
		return nil, err
	}
	if err := o.registry.Add(w); err != nil {
		return nil, err
	}
	o.logger.Info("workflow loaded",
		zap.String("workflow_id", w.ID),
		zap.String("name", w.Name),
		zap.Int("tasks", w.Len()),
	)
	return w, nil
}

// AddTask 向工作流添加任务；运行中的工作流不接受新任务
func (o *Orchestrator) AddTask(workflowID string, spec workflow.TaskSpec) (string, error) {
	w, err := o.registry.Get(workflowID)
	if err != nil {
		return "", err
	}
	if o.isRunning(workflowID) {
		return "", types.Errorf(types.ErrValidation, "workflow %s is running", workflowID)
	}
	return w.AddTask(spec)
}

// Workflow 获取工作流
func (o *Orchestrator) Workflow(id string) (*workflow.Workflow, error) {
	return o.registry.Get(id)
}

// Workflows 列出所有工作流
func (o *Orchestrator) Workflows() []*workflow.Workflow {
	return o.registry.List()
}

// RemoveWorkflow 删除工作流；运行中的工作流先被取消
func (o *Orchestrator) RemoveWorkflow(id string) bool {
	o.Cancel(id)
	return o.registry.Remove(id)
}

// =============================================================================
// 🚀 执行
// =============================================================================

// Engines 返回已注册的引擎名称
func (o *Orchestrator) Engines() []string {
	names := make([]string, 0, len(o.engines))
	for name := range o.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Engine 按名称查找引擎；name 为空时返回默认引擎
func (o *Orchestrator) Engine(name string) (*engine.Adapter, error) {
	if name == "" {
		name = o.defaultEngine
	}
	a, ok := o.engines[name]
	if !ok {
		return nil, types.Errorf(types.ErrUnsupportedType, "unknown engine %q", name)
	}
	return a, nil
}

// Execute 在指定引擎上执行单个请求
func (o *Orchestrator) Execute(ctx context.Context, engineType string, req *engine.ExecutionRequest) (*engine.ExecutionResult, error) {
	a, err := o.Engine(engineType)
	if err != nil {
		return nil, err
	}
	return a.Execute(ctx, req), nil
}

// run 一次运行的准备结果
type run struct {
	id         string
	workflow   *workflow.Workflow
	adapter    *engine.Adapter
	engineType string
	ctx        context.Context
	cancel     context.CancelFunc
}

// ExecuteWorkflow 同步执行工作流，返回汇总结果。
// 执行失败体现在结果中；只有工作流不存在、引擎未知或已在运行时返回 error。
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID, engineType string, opts engine.WorkflowOptions) (*engine.WorkflowResult, error) {
	r, err := o.prepare(ctx, workflowID, engineType)
	if err != nil {
		return nil, err
	}
	return o.execute(r, opts), nil
}

// Start 在后台执行工作流，立即返回 run ID。运行不受 ctx 取消影响，使用 Cancel 停止。
func (o *Orchestrator) Start(ctx context.Context, workflowID, engineType string, opts engine.WorkflowOptions) (string, error) {
	r, err := o.prepare(context.WithoutCancel(ctx), workflowID, engineType)
	if err != nil {
		return "", err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(r, opts)
	}()
	return r.id, nil
}

func (o *Orchestrator) prepare(ctx context.Context, workflowID, engineType string) (*run, error) {
	w, err := o.registry.Get(workflowID)
	if err != nil {
		return nil, err
	}
	if engineType == "" {
		engineType = o.defaultEngine
	}
	a, err := o.Engine(engineType)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if _, busy := o.running[workflowID]; busy {
		o.mu.Unlock()
		cancel()
		return nil, types.Errorf(types.ErrValidation, "workflow %s is already running", workflowID)
	}
	o.running[workflowID] = cancel
	o.mu.Unlock()

	w.Reset()
	return &run{
		id:         uuid.NewString(),
		workflow:   w,
		adapter:    a,
		engineType: engineType,
		ctx:        runCtx,
		cancel:     cancel,
	}, nil
}

func (o *Orchestrator) execute(r *run, opts engine.WorkflowOptions) *engine.WorkflowResult {
	defer func() {
		o.mu.Lock()
		delete(o.running, r.workflow.ID)
		o.mu.Unlock()
		r.cancel()
	}()

	w := r.workflow
	logger := o.logger.With(zap.String("workflow_id", w.ID), zap.String("run_id", r.id))
	// 记录器调用不受取消影响
	sinkCtx := context.WithoutCancel(r.ctx)

	if err := o.sink.WorkflowStarted(sinkCtx, RunInfo{
		RunID:      r.id,
		WorkflowID: w.ID,
		Name:       w.Name,
		EngineType: r.engineType,
		Tasks:      w.Tasks(),
	}); err != nil {
		logger.Warn("status sink rejected run start", zap.Error(err))
	}
	o.events.publish(Event{
		Type:       EventWorkflowStarted,
		WorkflowID: w.ID,
		RunID:      r.id,
		Status:     string(workflow.StatusRunning),
		Timestamp:  time.Now(),
	})

	userHook := opts.OnTaskUpdate
	opts.OnTaskUpdate = func(workflowID string, task *workflow.Task) {
		if err := o.sink.TaskUpdated(sinkCtx, r.id, task); err != nil {
			logger.Warn("status sink rejected task update", zap.String("task_id", task.ID), zap.Error(err))
		}
		o.events.publish(Event{
			Type:       EventTaskUpdated,
			WorkflowID: workflowID,
			RunID:      r.id,
			Status:     string(task.Status),
			Task:       task,
			Error:      task.Error,
			Timestamp:  time.Now(),
		})
		if userHook != nil {
			userHook(workflowID, task)
		}
	}

	res := r.adapter.ExecuteWorkflow(r.ctx, w, opts)
	res.RunID = r.id

	if err := o.sink.WorkflowFinished(sinkCtx, r.id, res); err != nil {
		logger.Warn("status sink rejected run finish", zap.Error(err))
	}
	o.events.publish(Event{
		Type:       EventWorkflowFinished,
		WorkflowID: w.ID,
		RunID:      r.id,
		Status:     string(res.Status),
		Error:      res.Error,
		Timestamp:  time.Now(),
	})
	return res
}

func (o *Orchestrator) isRunning(workflowID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[workflowID]
	return ok
}

// Cancel 取消运行中的工作流：不再启动新任务，已启动的任务会跑完
func (o *Orchestrator) Cancel(workflowID string) bool {
	o.mu.Lock()
	cancel, ok := o.running[workflowID]
	o.mu.Unlock()
	if ok {
		cancel()
		o.logger.Info("workflow cancellation requested", zap.String("workflow_id", workflowID))
	}
	return ok
}

// Subscribe 订阅工作流事件；调用返回的函数取消订阅
func (o *Orchestrator) Subscribe(workflowID string) (<-chan Event, func()) {
	return o.events.subscribe(workflowID)
}

// Close 取消所有运行并等待后台运行结束
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	for _, cancel := range o.running {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/BaSui01/agentorch/engine/cache"
	"github.com/BaSui01/agentorch/engine/circuitbreaker"
	"github.com/BaSui01/agentorch/engine/gate"
	"github.com/BaSui01/agentorch/engine/retry"
	"github.com/BaSui01/agentorch/internal/metrics"
	"github.com/BaSui01/agentorch/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/BaSui01/agentorch/engine"

// Execution outcomes reported to metrics.
const (
	outcomeSuccess  = "success"
	outcomeCached   = "cached"
	outcomeFailure  = "failure"
	outcomeRejected = "rejected"
)

// ExecutionRequest 单次执行请求
type ExecutionRequest struct {
	TaskID        string         `json:"task_id"`
	ExecutionType string         `json:"execution_type"`
	Parameters    map[string]any `json:"parameters"`
	// Timeout 覆盖 Config.Timeout；0 表示使用默认值
	Timeout time.Duration `json:"timeout,omitempty"`
	// SkipCache 跳过缓存读取和写入
	SkipCache bool `json:"skip_cache,omitempty"`
}

// ExecutionResult 单次执行结果。失败不会以 error 返回，而是体现在 Success/Error 上。
type ExecutionResult struct {
	TaskID    string          `json:"task_id"`
	Success   bool            `json:"success"`
	Result    map[string]any  `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode types.ErrorCode `json:"error_code,omitempty"`
	Cached    bool            `json:"cached"`
	Attempts  int             `json:"attempts"`
	Duration  time.Duration   `json:"duration"`
}

// Stats 适配器运行时统计
type Stats struct {
	Backend string                   `json:"backend"`
	Gate    gate.Stats               `json:"gate"`
	Cache   cache.Stats              `json:"cache"`
	Breaker *circuitbreaker.Snapshot `json:"breaker,omitempty"`
}

// Option 适配器可选项
type Option func(*Adapter)

// WithBreakers 注入共享的熔断器注册表；同名后端共用一个熔断器
func WithBreakers(r *circuitbreaker.Registry) Option {
	return func(a *Adapter) { a.breakers = r }
}

// WithJournal 指定缓存持久化存储，优先于 Config.CachePath
func WithJournal(j cache.Journal) Option {
	return func(a *Adapter) { a.journal = j }
}

// WithMetrics 注入 Prometheus 指标收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithTracer 指定 tracer；默认使用全局 TracerProvider
func WithTracer(t trace.Tracer) Option {
	return func(a *Adapter) { a.tracer = t }
}

// Adapter 执行适配器：并发闸门 -> 缓存 -> 熔断 -> 重试 -> 后端
type Adapter struct {
	config  Config
	name    string
	backend Backend

	supported map[string]struct{}
	gate      *gate.Gate
	cache     *cache.Cache
	journal   cache.Journal
	retryer   *retry.Retryer
	breakers  *circuitbreaker.Registry
	breaker   *circuitbreaker.Breaker

	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewAdapter 创建执行适配器
func NewAdapter(ctx context.Context, config Config, backend Backend, logger *zap.Logger, opts ...Option) (*Adapter, error) {
	if backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	name := config.BackendName
	if name == "" {
		name = backend.Name()
	}

	a := &Adapter{
		config:    config,
		name:      name,
		backend:   backend,
		supported: make(map[string]struct{}, len(config.SupportedTypes)),
		logger:    logger.With(zap.String("component", "engine"), zap.String("backend", name)),
	}
	for _, o := range opts {
		o(a)
	}
	if a.tracer == nil {
		a.tracer = otel.Tracer(tracerName)
	}
	for _, t := range config.SupportedTypes {
		a.supported[t] = struct{}{}
	}

	a.gate = gate.New(config.MaxConcurrentExecutions)
	a.gate.OnChange = func(inFlight, waiting int64) {
		a.metrics.RecordGate(a.name, inFlight, waiting)
	}

	if a.journal == nil && config.CachePath != "" {
		a.journal = cache.NewFileJournal(config.CachePath)
	}
	c, err := cache.New(ctx, cache.Config{Enabled: config.CachingEnabled, TTL: config.CacheTTL}, a.journal, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: load cache: %w", err)
	}
	a.cache = c

	if config.RetryEnabled {
		a.retryer = retry.New(retry.Policy{
			MaxRetries:    config.MaxRetries,
			BackoffFactor: config.RetryBackoffFactor,
			MaxDelay:      config.RetryMaxDelay,
			Jitter:        config.RetryJitter,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				a.metrics.RecordRetry(a.name, string(types.Classify(err)))
			},
		}, logger)
	}

	if config.CircuitBreakerEnabled {
		if a.breakers == nil {
			a.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
				FailureThreshold: config.FailureThreshold,
				ResetTimeout:     config.ResetTimeout,
				HalfOpenMaxCalls: config.HalfOpenMaxCalls,
				OnStateChange: func(name string, _, to circuitbreaker.State) {
					a.metrics.RecordBreakerState(name, int(to))
				},
			}, logger)
		}
		a.breaker = a.breakers.GetOrCreate(name)
	}

	a.logger.Info("execution adapter created",
		zap.Int("max_concurrent", config.MaxConcurrentExecutions),
		zap.Bool("retry", config.RetryEnabled),
		zap.Bool("circuit_breaker", config.CircuitBreakerEnabled),
		zap.Bool("caching", config.CachingEnabled),
	)
	return a, nil
}

// Name 返回后端名称
func (a *Adapter) Name() string { return a.name }

// Supports 判断是否支持该执行类型
func (a *Adapter) Supports(executionType string) bool {
	_, ok := a.supported[executionType]
	return ok
}

// Execute 执行一次请求。所有失败都折叠进 ExecutionResult，包括 panic。
func (a *Adapter) Execute(ctx context.Context, req *ExecutionRequest) (res *ExecutionResult) {
	start := time.Now()
	if req == nil {
		req = &ExecutionRequest{}
	}
	res = &ExecutionResult{TaskID: req.TaskID}

	ctx, span := a.tracer.Start(ctx, "engine.Execute", trace.WithAttributes(
		attribute.String("agentorch.backend", a.name),
		attribute.String("agentorch.task_id", req.TaskID),
		attribute.String("agentorch.execution_type", req.ExecutionType),
	))

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("execution panicked",
				zap.String("task_id", req.TaskID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res = &ExecutionResult{TaskID: req.TaskID, Attempts: res.Attempts}
			a.fail(res, types.Errorf(types.ErrInternal, "panic: %v", r))
		}
		res.Duration = time.Since(start)
		a.finish(span, req, res)
	}()

	if !a.Supports(req.ExecutionType) {
		a.fail(res, types.Errorf(types.ErrUnsupportedType, "unsupported execution type %q", req.ExecutionType))
		return res
	}

	spec, err := DecodeSpec(req.ExecutionType, req.Parameters)
	if err != nil {
		a.fail(res, err)
		return res
	}

	var key string
	useCache := a.cache.Enabled() && !req.SkipCache
	if useCache {
		key, err = cache.Key(req.ExecutionType, req.Parameters)
		if err != nil {
			a.logger.Warn("cache key unavailable", zap.String("task_id", req.TaskID), zap.Error(err))
			useCache = false
		} else if cached, ok := a.cache.Get(key); ok {
			a.metrics.RecordCacheHit(a.name)
			res.Success = true
			res.Result = cached
			res.Cached = true
			return res
		} else {
			a.metrics.RecordCacheMiss(a.name)
		}
	}

	release, err := a.gate.Acquire(ctx)
	if errors.Is(err, gate.ErrClosed) {
		a.fail(res, types.NewError(types.ErrBackendUnavailable, "adapter is closed").WithRetryable(false))
		return res
	}
	if err != nil {
		a.fail(res, types.NewError(types.ErrCancelled, "execution cancelled before start").WithCause(err))
		return res
	}
	defer release()

	// 已开始的执行不被调用方取消打断，只受超时约束
	execCtx := context.WithoutCancel(ctx)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.config.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, timeout)
		defer cancel()
	}

	out, attempts, err := a.invoke(execCtx, &BackendRequest{TaskID: req.TaskID, Spec: spec, Timeout: timeout})
	res.Attempts = attempts
	if err != nil {
		a.fail(res, err)
		return res
	}
	if out == nil {
		out = map[string]any{}
	}

	res.Success = true
	res.Result = out
	if useCache {
		if err := a.cache.Put(context.WithoutCancel(ctx), key, out); err != nil {
			a.logger.Warn("cache write failed", zap.String("task_id", req.TaskID), zap.Error(err))
		}
	}
	return res
}

// invoke 组合熔断与重试：breaker(retry(backend))。
// 重试耗尽只计一次熔断失败。
func (a *Adapter) invoke(ctx context.Context, req *BackendRequest) (map[string]any, int, error) {
	attempts := 0
	call := func(ctx context.Context) (map[string]any, error) {
		attempts++
		return a.backend.Execute(ctx, req)
	}

	op := call
	if a.retryer != nil {
		op = func(ctx context.Context) (map[string]any, error) {
			out, _, err := retry.DoWithResultTyped(ctx, a.retryer, call)
			return out, err
		}
	}

	var (
		out map[string]any
		err error
	)
	if a.breaker != nil {
		out, err = circuitbreaker.CallWithResult(ctx, a.breaker, op)
	} else {
		out, err = op(ctx)
	}
	return out, attempts, err
}

func (a *Adapter) fail(res *ExecutionResult, err error) {
	res.Success = false
	res.Result = nil
	res.ErrorCode = types.Classify(err)
	if circuitbreaker.IsOpen(err) {
		res.Error = fmt.Sprintf("%s for backend %q", circuitbreaker.ErrCircuitOpen, a.name)
		return
	}
	res.Error = "execution failed: " + err.Error()
}

func (a *Adapter) finish(span trace.Span, req *ExecutionRequest, res *ExecutionResult) {
	defer span.End()

	outcome := outcomeSuccess
	switch {
	case res.Cached:
		outcome = outcomeCached
	case res.ErrorCode == types.ErrCircuitOpen:
		outcome = outcomeRejected
		a.metrics.RecordBreakerRejection(a.name)
	case !res.Success:
		outcome = outcomeFailure
	}
	a.metrics.RecordExecution(a.name, req.ExecutionType, outcome, res.Attempts, res.Duration)

	span.SetAttributes(
		attribute.Bool("agentorch.cached", res.Cached),
		attribute.Int("agentorch.attempts", res.Attempts),
	)
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
		a.logger.Warn("execution failed",
			zap.String("task_id", req.TaskID),
			zap.String("execution_type", req.ExecutionType),
			zap.String("code", string(res.ErrorCode)),
			zap.Int("attempts", res.Attempts),
			zap.Duration("duration", res.Duration),
			zap.String("error", res.Error),
		)
		return
	}
	span.SetStatus(codes.Ok, "")
	a.logger.Debug("execution completed",
		zap.String("task_id", req.TaskID),
		zap.Bool("cached", res.Cached),
		zap.Int("attempts", res.Attempts),
		zap.Duration("duration", res.Duration),
	)
}

// Stats 返回闸门、缓存与熔断器的当前状态
func (a *Adapter) Stats() Stats {
	s := Stats{
		Backend: a.name,
		Gate:    a.gate.Stats(),
		Cache:   a.cache.Stats(),
	}
	if a.breaker != nil {
		snap := a.breaker.Snapshot()
		s.Breaker = &snap
	}
	return s
}

// BreakerStats 返回注册表中所有熔断器的快照
func (a *Adapter) BreakerStats() []circuitbreaker.Snapshot {
	if a.breakers == nil {
		return nil
	}
	return a.breakers.Snapshots()
}

// CacheStats 返回缓存统计
func (a *Adapter) CacheStats() cache.Stats { return a.cache.Stats() }

// Breakers 返回熔断器注册表；熔断关闭时为 nil
func (a *Adapter) Breakers() *circuitbreaker.Registry { return a.breakers }

// Cache 返回结果缓存
func (a *Adapter) Cache() *cache.Cache { return a.cache }

// Close 拒绝新的执行，正在等待许可的执行以 BACKEND_UNAVAILABLE 返回；
// 已在途的执行不受影响
func (a *Adapter) Close() error {
	a.gate.Close()
	a.logger.Info("execution adapter closed")
	return nil
}

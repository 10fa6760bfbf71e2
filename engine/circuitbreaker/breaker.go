package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/agentorch/types"
	"go.uber.org/zap"
)

// ErrCircuitOpen 熔断器拒绝请求时返回（包装在 CIRCUIT_OPEN 错误中）
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText 以字符串形式序列化状态
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 解析 MarshalText 的输出
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit breaker state %q", text)
	}
	return nil
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// ResetTimeout 熔断恢复等待时间（Open -> HalfOpen）
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`

	// HalfOpenMaxCalls 半开状态下允许的最大并发请求数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls"`

	// OnStateChange 状态变更回调；在锁外同步调用，过期的转换不再送达
	OnStateChange func(name string, from, to State) `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// Metrics 熔断器累计指标
type Metrics struct {
	Successes    int64 `json:"success_count"`
	Failures     int64 `json:"failure_count"`
	Rejected     int64 `json:"rejected_count"`
	StateChanges int64 `json:"state_changes"`
}

// Snapshot 熔断器状态快照
type Snapshot struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	FailureCount int       `json:"consecutive_failures"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	Metrics      Metrics   `json:"metrics"`
}

// Breaker 熔断器
//
// 所有计数器在同一把锁下修改，"递增并检查阈值" 是原子的。
// Open -> HalfOpen 的转换只发生在 AllowRequest 中（惰性，无定时器）。
// 每次状态转换开启新的 generation；CallWithResult 只结算本代放行的调用，
// 跨代返回的结果只计入 Metrics，不影响状态与半开名额。
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	generation    uint64
	failureCount  int
	lastFailure   time.Time
	halfOpenCalls int
	metrics       Metrics
	pending       []transition

	// hookMu 串行化 OnStateChange；notified 为已送达的最新 generation
	hookMu   sync.Mutex
	notified uint64
}

type transition struct {
	generation uint64
	from, to   State
}

// New 创建熔断器
func New(name string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		config: config.normalize(),
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("breaker", name)),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name 返回熔断器名称
func (b *Breaker) Name() string { return b.name }

// AllowRequest 检查是否允许请求；必须在执行操作前调用
func (b *Breaker) AllowRequest() bool {
	_, ok := b.allow()
	return ok
}

// RecordSuccess 记录成功（作用于当前 generation）
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.onSuccess(b.generation)
	b.unlockAndNotify()
}

// RecordFailure 记录失败（作用于当前 generation）
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.onFailure(b.generation)
	b.unlockAndNotify()
}

// Release 释放一个已获准但结果不计入统计的请求（如参数校验失败、调用方取消）
func (b *Breaker) Release() {
	b.mu.Lock()
	b.release(b.generation)
	b.mu.Unlock()
}

// allow 返回放行时的 generation，结果须用同一 generation 结算
func (b *Breaker) allow() (uint64, bool) {
	b.mu.Lock()
	defer b.unlockAndNotify()

	switch b.state {
	case StateClosed:
		return b.generation, true

	case StateOpen:
		if b.now().Sub(b.lastFailure) > b.config.ResetTimeout {
			b.transitionTo(StateHalfOpen)
			b.halfOpenCalls = 1
			return b.generation, true
		}
		b.metrics.Rejected++
		return b.generation, false

	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			b.metrics.Rejected++
			return b.generation, false
		}
		b.halfOpenCalls++
		return b.generation, true
	}
	return b.generation, false
}

// onSuccess 调用方需持有锁
func (b *Breaker) onSuccess(gen uint64) {
	b.metrics.Successes++
	if gen != b.generation {
		return
	}
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.failureCount = 0
		b.transitionTo(StateClosed)
	}
}

// onFailure 调用方需持有锁
func (b *Breaker) onFailure(gen uint64) {
	b.metrics.Failures++
	if gen != b.generation {
		return
	}
	b.failureCount++
	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

// release 调用方需持有锁；只归还本代半开状态下占用的名额
func (b *Breaker) release(gen uint64) {
	if gen == b.generation && b.state == StateHalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
}

// Reset 重置为 Closed 并清零所有计数器（幂等）
func (b *Breaker) Reset() {
	b.mu.Lock()

	from := b.state
	b.failureCount = 0
	b.lastFailure = time.Time{}
	if from != StateClosed {
		b.logger.Info("circuit breaker reset", zap.Stringer("from_state", from))
		b.transitionTo(StateClosed)
	}
	b.metrics = Metrics{}
	b.unlockAndNotify()
}

// State 获取当前状态（不触发惰性转换）
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 返回当前状态快照
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failureCount,
		LastFailure:  b.lastFailure,
		Metrics:      b.metrics,
	}
}

// transitionTo 调用方需持有锁
func (b *Breaker) transitionTo(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.halfOpenCalls = 0
	b.metrics.StateChanges++
	b.logger.Info("circuit breaker state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if b.config.OnStateChange != nil {
		b.pending = append(b.pending, transition{generation: b.generation, from: from, to: to})
	}
}

// unlockAndNotify 释放 mu 后同步调用 OnStateChange。
// 晚到的旧转换被丢弃，回调观察到的最后一次转换总是当前状态。
func (b *Breaker) unlockAndNotify() {
	events := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(events) == 0 {
		return
	}

	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	for _, e := range events {
		if e.generation <= b.notified {
			continue
		}
		b.notified = e.generation
		b.config.OnStateChange(b.name, e.from, e.to)
	}
}

// =============================================================================
// 🛡️ 调用包装
// =============================================================================

// Call 在熔断器保护下执行 fn
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := CallWithResult(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// CallWithResult 在熔断器保护下执行 fn 并返回结果
// 客户端类错误（参数错误、后端拒绝、取消）不计入失败，但会释放半开名额。
// fn panic 时记一次失败后继续向上 panic。
func CallWithResult[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (result T, err error) {
	gen, ok := b.allow()
	if !ok {
		return result, OpenError(b.name)
	}

	settled := false
	defer func() {
		if settled {
			return
		}
		r := recover()
		b.mu.Lock()
		b.onFailure(gen)
		b.unlockAndNotify()
		if r != nil {
			panic(r)
		}
	}()

	result, err = fn(ctx)
	settled = true

	b.mu.Lock()
	switch {
	case err == nil:
		b.onSuccess(gen)
	case isNeutral(err):
		b.release(gen)
	default:
		b.onFailure(gen)
	}
	b.unlockAndNotify()

	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// OpenError 构造熔断拒绝错误；错误文本包含 "circuit breaker is open"
func OpenError(name string) error {
	return types.NewError(types.ErrCircuitOpen, fmt.Sprintf("backend %q rejected", name)).
		WithBackend(name).
		WithCause(ErrCircuitOpen)
}

// IsOpen 判断错误是否为熔断拒绝
func IsOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// isNeutral 判断错误是否不应计入熔断失败
func isNeutral(err error) bool {
	switch types.Classify(err) {
	case types.ErrValidation, types.ErrUnsupportedType, types.ErrBackendRejected,
		types.ErrCancelled, types.ErrCircuitOpen:
		return true
	}
	return false
}

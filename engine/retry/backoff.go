package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/BaSui01/agentorch/types"
	"go.uber.org/zap"
)

// jitterFraction 抖动上限（相对计算出的退避时长）
const jitterFraction = 0.25

// Policy 定义重试策略配置
type Policy struct {
	MaxRetries     int                                               // 最大重试次数（0 表示不重试，总尝试次数 = MaxRetries+1）
	BackoffFactor  time.Duration                                     // 退避基数：第 n 次重试前等待 BackoffFactor * 2^(n-1)
	MaxDelay       time.Duration                                     // 单次退避上限（0 表示不限制）
	Jitter         bool                                              // 是否叠加随机抖动（防止多个调用方同步重试）
	RetryableCodes []types.ErrorCode                                 // 可重试的错误码（为空使用 DefaultRetryableCodes）
	OnRetry        func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultRetryableCodes 默认可重试错误码：各类后端瞬时错误
func DefaultRetryableCodes() []types.ErrorCode {
	return []types.ErrorCode{
		types.ErrBackend,
		types.ErrBackendTimeout,
		types.ErrBackendUnavailable,
		types.ErrRateLimited,
	}
}

// DefaultPolicy 返回默认的重试策略
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BackoffFactor: time.Second,
		MaxDelay:      30 * time.Second,
		Jitter:        true,
	}
}

// Retryer 基于指数退避的重试器
type Retryer struct {
	policy    Policy
	retryable map[types.ErrorCode]struct{}
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	rand      func() float64
}

// New 创建重试器
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BackoffFactor < 0 {
		policy.BackoffFactor = 0
	}
	codes := policy.RetryableCodes
	if len(codes) == 0 {
		codes = DefaultRetryableCodes()
	}
	set := make(map[types.ErrorCode]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return &Retryer{
		policy:    policy,
		retryable: set,
		logger:    logger.With(zap.String("component", "retry")),
		sleep:     sleepContext,
		rand:      rand.Float64,
	}
}

// Policy 返回当前策略
func (r *Retryer) Policy() Policy { return r.policy }

// Do 执行函数，失败时根据策略重试
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := r.Run(ctx, fn)
	return err
}

// DoWithResult 执行返回结果的函数，失败时重试
func (r *Retryer) DoWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	v, _, err := DoWithResultTyped(ctx, r, fn)
	return v, err
}

// Result 一次带重试调用的统计
type Result struct {
	Attempts int
	Duration time.Duration
	Err      error
}

// DoWithStats 执行函数并返回尝试次数与耗时
func (r *Retryer) DoWithStats(ctx context.Context, fn func(ctx context.Context) error) Result {
	start := time.Now()
	attempts, err := r.Run(ctx, fn)
	return Result{Attempts: attempts, Duration: time.Since(start), Err: err}
}

// Run 执行函数并返回实际尝试次数
// 不可重试的错误原样返回；重试耗尽时返回包装了最后一次错误的错误。
func (r *Retryer) Run(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	maxAttempts := r.policy.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.Delay(attempt-1, lastErr)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt-1, lastErr, delay)
			}

			if err := r.sleep(ctx, delay); err != nil {
				return attempt - 1, fmt.Errorf("retry aborted after %d attempts (last error: %v): %w", attempt-1, lastErr, err)
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return attempt, nil
		}

		if !r.IsRetryable(lastErr) {
			r.logger.Debug("error not retryable", zap.Error(lastErr))
			return attempt, lastErr
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)
	return maxAttempts, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}

// IsRetryable 检查错误是否可重试
// 错误码需在可重试集合中；显式标记为不可重试的 types.Error 不重试。
func (r *Retryer) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := r.retryable[types.Classify(err)]; !ok {
		return false
	}
	if e, ok := types.AsError(err); ok {
		return e.Retryable
	}
	return true
}

// Delay 计算第 retry 次重试（从 1 开始）前的等待时长
// 错误携带 RetryAfter 时直接使用该值。
func (r *Retryer) Delay(retry int, err error) time.Duration {
	if e, ok := types.AsError(err); ok && e.RetryAfter > 0 {
		return e.RetryAfter
	}

	delay := float64(r.policy.BackoffFactor) * math.Pow(2, float64(retry-1))
	if r.policy.MaxDelay > 0 && delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		delay += delay * jitterFraction * r.rand()
	}
	// 未设 MaxDelay 时指数增长可能超出 time.Duration 范围
	if delay > delayCeiling || math.IsNaN(delay) {
		delay = delayCeiling
	}
	return time.Duration(delay)
}

// delayCeiling 约 146 年，可被 float64 精确表示
const delayCeiling = float64(1 << 62)

// DoWithResultTyped 泛型版本：执行函数并返回结果与尝试次数
func DoWithResultTyped[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var result T
	attempts, err := r.Run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			result = v
		}
		return err
	})
	if err != nil {
		var zero T
		return zero, attempts, err
	}
	return result, attempts, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

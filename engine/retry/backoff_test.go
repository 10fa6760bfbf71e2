package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/agentorch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// newTestRetryer 返回不真正睡眠、记录退避时长的重试器
func newTestRetryer(p Policy) (*Retryer, *[]time.Duration) {
	r := New(p, zap.NewNop())
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func failing(times int, err error) (func(context.Context) error, *int) {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls <= times {
			return err
		}
		return nil
	}, &calls
}

// --- 尝试次数 ---

func TestRun_SucceedsAfterKFailures(t *testing.T) {
	r, slept := newTestRetryer(Policy{MaxRetries: 3, BackoffFactor: 100 * time.Millisecond})
	fn, calls := failing(2, types.NewError(types.ErrBackend, "flaky"))

	attempts, err := r.Run(context.Background(), fn)
	require.NoError(t, err)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
}

func TestRun_ExhaustsAndSurfacesLastError(t *testing.T) {
	r, _ := newTestRetryer(Policy{MaxRetries: 2, BackoffFactor: time.Millisecond})
	calls := 0
	last := types.NewError(types.ErrBackendUnavailable, "down")

	attempts, err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls == 3 {
			return last
		}
		return types.NewError(types.ErrBackend, "earlier")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, types.ErrBackendUnavailable, types.GetErrorCode(err))
}

func TestRun_NonRetryableInvokedOnce(t *testing.T) {
	nonRetryable := []error{
		types.NewError(types.ErrValidation, "bad"),
		types.NewError(types.ErrCircuitOpen, "open"),
		types.NewError(types.ErrBackendRejected, "malformed"),
		types.NewError(types.ErrBackend, "marked").WithRetryable(false),
		context.Canceled,
	}
	for _, e := range nonRetryable {
		r, slept := newTestRetryer(Policy{MaxRetries: 5, BackoffFactor: time.Millisecond})
		fn, calls := failing(10, e)

		_, err := r.Run(context.Background(), fn)
		assert.Same(t, e, err)
		assert.Equal(t, 1, *calls, "error %v", e)
		assert.Empty(t, *slept)
	}
}

func TestRun_UntypedErrorsAreBackendErrors(t *testing.T) {
	r, _ := newTestRetryer(Policy{MaxRetries: 1})
	fn, calls := failing(1, errors.New("connection reset"))

	_, err := r.Run(context.Background(), fn)
	require.NoError(t, err)
	assert.Equal(t, 2, *calls)
}

func TestRun_CustomRetryableCodes(t *testing.T) {
	r, _ := newTestRetryer(Policy{MaxRetries: 3, RetryableCodes: []types.ErrorCode{types.ErrRateLimited}})
	fn, calls := failing(5, types.NewError(types.ErrBackend, "not in set"))

	_, err := r.Run(context.Background(), fn)
	require.Error(t, err)
	assert.Equal(t, 1, *calls)
}

// --- 退避时长 ---

func TestDelay_RetryAfterOverrides(t *testing.T) {
	r, slept := newTestRetryer(Policy{MaxRetries: 1, BackoffFactor: time.Second, Jitter: true})
	fn, _ := failing(1, types.NewError(types.ErrRateLimited, "429").WithRetryAfter(7*time.Second))

	_, err := r.Run(context.Background(), fn)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, *slept)
}

func TestDelay_CappedByMaxDelay(t *testing.T) {
	r := New(Policy{BackoffFactor: time.Second, MaxDelay: 3 * time.Second}, nil)
	assert.Equal(t, time.Second, r.Delay(1, nil))
	assert.Equal(t, 2*time.Second, r.Delay(2, nil))
	assert.Equal(t, 3*time.Second, r.Delay(3, nil))
	assert.Equal(t, 3*time.Second, r.Delay(10, nil))
}

func TestDelay_UncappedGrowthNeverGoesNegative(t *testing.T) {
	for _, jitter := range []bool{false, true} {
		r := New(Policy{BackoffFactor: time.Second, Jitter: jitter}, nil)
		prev := time.Duration(0)
		for retry := 1; retry <= 200; retry++ {
			d := r.Delay(retry, nil)
			require.Positive(t, d, "retry %d", retry)
			if !jitter {
				require.GreaterOrEqual(t, d, prev, "retry %d", retry)
			}
			prev = d
		}
		assert.Equal(t, time.Duration(1<<62), r.Delay(1000, nil))
	}
}

func TestProperty_JitterStaysWithinBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		factor := time.Duration(rapid.Int64Range(1, int64(5*time.Second)).Draw(rt, "factor"))
		retry := rapid.IntRange(1, 8).Draw(rt, "retry")

		r := New(Policy{BackoffFactor: factor, Jitter: true}, nil)
		base := New(Policy{BackoffFactor: factor}, nil).Delay(retry, nil)

		d := r.Delay(retry, nil)
		upper := base + time.Duration(float64(base)*jitterFraction)
		if d < base || d > upper {
			rt.Fatalf("delay %v outside [%v, %v]", d, base, upper)
		}
	})
}

// --- 取消 ---

func TestRun_ContextCancelledDuringBackoff(t *testing.T) {
	r := New(Policy{MaxRetries: 3, BackoffFactor: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, func(context.Context) error {
			calls++
			return errors.New("fail")
		})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestDoWithResultTyped(t *testing.T) {
	r, _ := newTestRetryer(Policy{MaxRetries: 2})
	calls := 0
	v, attempts, err := DoWithResultTyped(context.Background(), r, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 2, attempts)
}

func TestRun_OnRetryCallback(t *testing.T) {
	var seen []int
	r, _ := newTestRetryer(Policy{
		MaxRetries:    2,
		BackoffFactor: time.Millisecond,
		OnRetry:       func(attempt int, _ error, _ time.Duration) { seen = append(seen, attempt) },
	})
	fn, _ := failing(2, errors.New("x"))
	require.NoError(t, r.Do(context.Background(), fn))
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDoWithStats(t *testing.T) {
	r, _ := newTestRetryer(Policy{MaxRetries: 3, BackoffFactor: time.Millisecond})
	fn, _ := failing(2, types.NewError(types.ErrBackendTimeout, "slow"))

	res := r.DoWithStats(context.Background(), fn)
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
}

func TestDoWithResult(t *testing.T) {
	r, _ := newTestRetryer(Policy{MaxRetries: 1})
	calls := 0
	v, err := r.DoWithResult(context.Background(), func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

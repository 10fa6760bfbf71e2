package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentorch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New("backend", cfg, zap.NewNop())
	b.now = clk.Now
	return b, clk
}

// =============================================================================
// 🧪 状态机测试
// =============================================================================

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1})

	for i := 0; i < 2; i++ {
		require.True(t, b.AllowRequest())
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
	}
	require.True(t, b.AllowRequest())
	b.RecordFailure()

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.AllowRequest())
	assert.False(t, b.AllowRequest())

	snap := b.Snapshot()
	assert.Equal(t, int64(2), snap.Metrics.Rejected)
	assert.Equal(t, int64(3), snap.Metrics.Failures)
	assert.Equal(t, int64(1), snap.Metrics.StateChanges)
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Snapshot().FailureCount)
}

func TestBreaker_LazyHalfOpenAndRecovery(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Second, HalfOpenMaxCalls: 1})

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	clk.Advance(10 * time.Second)
	assert.False(t, b.AllowRequest(), "reset timeout must be strictly exceeded")

	clk.Advance(time.Millisecond)
	// no transition until a request is attempted
	assert.Equal(t, StateOpen, b.State())
	assert.True(t, b.AllowRequest())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 1})

	b.RecordFailure()
	clk.Advance(2 * time.Second)
	require.True(t, b.AllowRequest())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.AllowRequest(), "reopened breaker waits a full reset timeout again")
}

func TestBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 2})

	b.RecordFailure()
	clk.Advance(2 * time.Second)

	assert.True(t, b.AllowRequest())
	assert.True(t, b.AllowRequest())
	assert.False(t, b.AllowRequest())
	assert.Equal(t, int64(1), b.Snapshot().Metrics.Rejected)

	b.Release()
	assert.True(t, b.AllowRequest())
}

func TestBreaker_ResetIsIdempotent(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	b.Reset()

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.Equal(t, Metrics{}, snap.Metrics)
	assert.True(t, b.AllowRequest())
}

func TestBreaker_OnStateChange(t *testing.T) {
	changes := make(chan [2]State, 4)
	b, _ := newTestBreaker(Config{
		FailureThreshold: 1,
		OnStateChange: func(name string, from, to State) {
			assert.Equal(t, "backend", name)
			changes <- [2]State{from, to}
		},
	})

	b.RecordFailure()
	select {
	case c := <-changes:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, c)
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, st := range []State{StateClosed, StateOpen, StateHalfOpen} {
		text, err := st.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, st, got)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("AJAR")))
}

// =============================================================================
// 🛡️ Call 包装测试
// =============================================================================

func TestCall_RejectsWhenOpen(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	b.RecordFailure()

	var calls int32
	err := b.Call(context.Background(), func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.Error(t, err)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.True(t, IsOpen(err))
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.False(t, types.IsRetryable(err))
	assert.Equal(t, int64(1), b.Snapshot().Metrics.Failures, "rejection is not a failure")
}

func TestCallWithResult_RecordsOutcome(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2})
	ctx := context.Background()

	v, err := CallWithResult(ctx, b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = CallWithResult(ctx, b, func(context.Context) (int, error) { return 0, errors.New("boom") })
	require.Error(t, err)

	snap := b.Snapshot()
	assert.Equal(t, int64(1), snap.Metrics.Successes)
	assert.Equal(t, int64(1), snap.Metrics.Failures)
}

func TestCall_NeutralErrorsDoNotCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})
	ctx := context.Background()

	neutral := []error{
		types.NewError(types.ErrValidation, "bad params"),
		types.NewError(types.ErrBackendRejected, "malformed definition"),
		context.Canceled,
	}
	for _, e := range neutral {
		err := b.Call(ctx, func(context.Context) error { return e })
		assert.ErrorIs(t, err, e)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Snapshot().Metrics.Failures)
}

func TestBreaker_ConcurrentFailuresOpenExactlyOnce(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 50, ResetTimeout: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure()
		}()
	}
	wg.Wait()

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, int64(100), snap.Metrics.Failures)
	assert.Equal(t, int64(1), snap.Metrics.StateChanges)
}

// =============================================================================
// 🧪 结算与回调顺序测试
// =============================================================================

func TestCall_PanicCountsAsFailure(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	b.RecordFailure()
	clk.Advance(2 * time.Second)

	assert.PanicsWithValue(t, "backend exploded", func() {
		_ = b.Call(ctx, func(context.Context) error { panic("backend exploded") })
	})

	// 半开试探 panic 后重新打开，而不是永久占住名额
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.AllowRequest())
	assert.Equal(t, int64(2), b.Snapshot().Metrics.Failures)

	clk.Advance(2 * time.Second)
	err := b.Call(ctx, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestCall_PanicInClosedStateOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, ResetTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		assert.Panics(t, func() {
			_ = b.Call(context.Background(), func(context.Context) error { panic(errors.New("boom")) })
		})
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestCall_StaleOutcomeDoesNotSettleNewGeneration(t *testing.T) {
	tests := []struct {
		name    string
		outcome error
	}{
		{name: "neutral", outcome: types.NewError(types.ErrValidation, "bad params")},
		{name: "success", outcome: nil},
		{name: "failure", outcome: errors.New("late timeout")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clk := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 1})

			// X 在 CLOSED 时放行并挂起
			started := make(chan struct{})
			finish := make(chan struct{})
			done := make(chan error, 1)
			go func() {
				done <- b.Call(context.Background(), func(context.Context) error {
					close(started)
					<-finish
					return tt.outcome
				})
			}()
			<-started

			b.RecordFailure()
			require.Equal(t, StateOpen, b.State())
			clk.Advance(2 * time.Second)

			// Z 占用唯一的半开名额
			require.True(t, b.AllowRequest())
			require.Equal(t, StateHalfOpen, b.State())

			close(finish)
			<-done

			assert.Equal(t, StateHalfOpen, b.State(), "late outcome from the closed generation must not move the half-open state")
			assert.False(t, b.AllowRequest(), "half-open slot still belongs to the in-flight trial")
		})
	}
}

func TestBreaker_OnStateChangeIsSynchronousAndOrdered(t *testing.T) {
	var (
		mu  sync.Mutex
		got [][2]State
		b   *Breaker
	)
	b, clk := newTestBreaker(Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		OnStateChange: func(_ string, from, to State) {
			// 回调在锁外执行，可以读取熔断器状态
			assert.Equal(t, to, b.State())
			mu.Lock()
			got = append(got, [2]State{from, to})
			mu.Unlock()
		},
	})

	b.RecordFailure()
	clk.Advance(2 * time.Second)
	require.True(t, b.AllowRequest())
	b.RecordSuccess()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][2]State{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, got)
}

func TestBreaker_LastDeliveredTransitionMatchesState(t *testing.T) {
	var (
		mu   sync.Mutex
		last State
		seen int
	)
	b, _ := newTestBreaker(Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(_ string, _, to State) {
			mu.Lock()
			last = to
			seen++
			mu.Unlock()
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				b.RecordFailure()
			} else {
				b.Reset()
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if seen == 0 {
		assert.Equal(t, StateClosed, b.State())
		return
	}
	assert.Equal(t, b.State(), last)
}

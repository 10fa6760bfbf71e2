package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentorch/engine/circuitbreaker"
	"github.com/BaSui01/agentorch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	c := DefaultConfig()
	c.BackendName = "test"
	c.RetryBackoffFactor = time.Millisecond
	c.RetryMaxDelay = 5 * time.Millisecond
	c.RetryJitter = false
	c.Timeout = 5 * time.Second
	return c
}

func newTestAdapter(t *testing.T, cfg Config, fn func(ctx context.Context, req *BackendRequest) (map[string]any, error), opts ...Option) *Adapter {
	t.Helper()
	a, err := NewAdapter(context.Background(), cfg, FuncBackend{BackendName: "test", Fn: fn}, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func containerRequest(id string) *ExecutionRequest {
	return &ExecutionRequest{
		TaskID:        id,
		ExecutionType: TypeContainer,
		Parameters:    map[string]any{"image": "alpine:3", "command": "echo " + id},
	}
}

// --- construction ---

func TestNewAdapter_RequiresBackend(t *testing.T) {
	_, err := NewAdapter(context.Background(), testConfig(), nil, nil)
	assert.Error(t, err)
}

func TestNewAdapter_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentExecutions = 0
	_, err := NewAdapter(context.Background(), cfg, FuncBackend{Fn: nil}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_executions")
}

func TestNewAdapter_NameFallsBackToBackend(t *testing.T) {
	cfg := testConfig()
	cfg.BackendName = ""
	a, err := NewAdapter(context.Background(), cfg, FuncBackend{BackendName: "docker"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "docker", a.Name())
}

// --- execute ---

func TestExecute_Success(t *testing.T) {
	a := newTestAdapter(t, testConfig(), func(_ context.Context, req *BackendRequest) (map[string]any, error) {
		require.NotNil(t, req.Spec.Container)
		assert.Equal(t, "alpine:3", req.Spec.Container.Image)
		assert.Equal(t, []string{"echo", "t1"}, req.Spec.Container.Command)
		return map[string]any{"stdout": "t1"}, nil
	})

	res := a.Execute(context.Background(), containerRequest("t1"))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, "t1", res.Result["stdout"])
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Cached)
	assert.Empty(t, res.Error)
}

func TestExecute_UnsupportedType(t *testing.T) {
	var calls atomic.Int32
	a := newTestAdapter(t, testConfig(), func(context.Context, *BackendRequest) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	})

	res := a.Execute(context.Background(), &ExecutionRequest{TaskID: "x", ExecutionType: "lambda"})
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrUnsupportedType, res.ErrorCode)
	assert.Contains(t, res.Error, "execution failed")
	assert.Zero(t, calls.Load())
}

func TestExecute_CustomSupportedTypeKeepsRawParameters(t *testing.T) {
	cfg := testConfig()
	cfg.SupportedTypes = []string{"script"}
	a := newTestAdapter(t, cfg, func(_ context.Context, req *BackendRequest) (map[string]any, error) {
		assert.Nil(t, req.Spec.Container)
		assert.Equal(t, "print(1)", req.Spec.Raw["source"])
		return map[string]any{"ok": true}, nil
	})

	res := a.Execute(context.Background(), &ExecutionRequest{
		ExecutionType: "script",
		Parameters:    map[string]any{"source": "print(1)"},
	})
	assert.True(t, res.Success, res.Error)
}

func TestExecute_InvalidParameters(t *testing.T) {
	a := newTestAdapter(t, testConfig(), func(context.Context, *BackendRequest) (map[string]any, error) {
		t.Fatal("backend must not be called")
		return nil, nil
	})

	res := a.Execute(context.Background(), &ExecutionRequest{
		ExecutionType: TypeContainer,
		Parameters:    map[string]any{"command": "ls"},
	})
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrValidation, res.ErrorCode)
	assert.Zero(t, res.Attempts)
}

func TestExecute_CacheHitSkipsBackend(t *testing.T) {
	var calls atomic.Int32
	a := newTestAdapter(t, testConfig(), func(context.Context, *BackendRequest) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"n": 1}, nil
	})

	first := a.Execute(context.Background(), containerRequest("c"))
	require.True(t, first.Success)
	second := a.Execute(context.Background(), containerRequest("c"))
	require.True(t, second.Success)

	assert.True(t, second.Cached)
	assert.Zero(t, second.Attempts)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_SkipCache(t *testing.T) {
	var calls atomic.Int32
	a := newTestAdapter(t, testConfig(), func(context.Context, *BackendRequest) (map[string]any, error) {
		return map[string]any{"n": calls.Add(1)}, nil
	})

	require.True(t, a.Execute(context.Background(), containerRequest("c")).Success)

	req := containerRequest("c")
	req.SkipCache = true
	res := a.Execute(context.Background(), req)
	require.True(t, res.Success)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), calls.Load())

	// the skipped run did not overwrite the cached entry
	res = a.Execute(context.Background(), containerRequest("c"))
	assert.True(t, res.Cached)
	assert.EqualValues(t, 1, res.Result["n"])
}

func TestExecute_CachingDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.CachingEnabled = false
	cfg.CachePath = filepath.Join(t.TempDir(), "cache.json")
	var calls atomic.Int32
	a := newTestAdapter(t, cfg, func(context.Context, *BackendRequest) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{}, nil
	})

	a.Execute(context.Background(), containerRequest("c"))
	a.Execute(context.Background(), containerRequest("c"))
	assert.Equal(t, int32(2), calls.Load())
	assert.NoFileExists(t, cfg.CachePath)
}

func TestExecute_CacheSurvivesRestart(t *testing.T) {
	cfg := testConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "cache.json")
	ok := func(context.Context, *BackendRequest) (map[string]any, error) {
		return map[string]any{"v": "x"}, nil
	}

	a := newTestAdapter(t, cfg, ok)
	require.True(t, a.Execute(context.Background(), containerRequest("c")).Success)
	require.FileExists(t, cfg.CachePath)

	b := newTestAdapter(t, cfg, func(context.Context, *BackendRequest) (map[string]any, error) {
		t.Fatal("expected cache hit after restart")
		return nil, nil
	})
	res := b.Execute(context.Background(), containerRequest("c"))
	assert.True(t, res.Cached)
	assert.Equal(t, "x", res.Result["v"])
}

func TestExecute_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	a := newTestAdapter(t, testConfig(), func(context.Context, *BackendRequest) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, types.NewError(types.ErrBackendUnavailable, "connection refused")
		}
		return map[string]any{"ok": true}, nil
	})

	res := a.Execute(context.Background(), containerRequest("r"))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, res.Attempts)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	a := newTestAdapter(t, cfg, func(context.Context, *BackendRequest) (map[string]any, error) {
		return nil, types.NewError(types.ErrBackend, "boom")
	})

	res := a.Execute(context.Background(), containerRequest("r"))
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, types.ErrBackend, res.ErrorCode)
	assert.Contains(t, res.Error, "execution failed")
	assert.Contains(t, res.Error, "boom")
}

func TestExecute_NonRetryableFailsFast(t *testing.T) {
	var calls atomic.Int32
	a := newTestAdapter(t, testConfig(), func(context.Context, *BackendRequest) (map[string]any, error) {
		calls.Add(1)
		return nil, types.NewError(types.ErrBackendRejected, "bad image")
	})

	res := a.Execute(context.Background(), containerRequest("r"))
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrBackendRejected, res.ErrorCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_RetryDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.RetryEnabled = false
	var calls atomic.Int32
	a := newTestAdapter(t, cfg, func(context.Context, *BackendRequest) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("flaky")
	})

	res := a.Execute(context.Background(), containerRequest("r"))
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_BreakerOpens(t *testing.T) {
	cfg := testConfig()
	cfg.RetryEnabled = false
	cfg.CachingEnabled = false
	cfg.FailureThreshold = 2
	cfg.ResetTimeout = time.Hour
	var calls atomic.Int32
	a := newTestAdapter(t, cfg, func(context.Context, *BackendRequest) (map[string]any, error) {
		calls.Add(1)
		return nil, types.NewError(types.ErrBackend, "down")
	})

	for i := 0; i < 2; i++ {
		res := a.Execute(context.Background(), containerRequest("b"))
		require.False(t, res.Success)
		assert.NotContains(t, res.Error, "circuit breaker is open")
	}

	res := a.Execute(context.Background(), containerRequest("b"))
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrCircuitOpen, res.ErrorCode)
	assert.Contains(t, res.Error, "circuit breaker is open")
	assert.Zero(t, res.Attempts)
	assert.Equal(t, int32(2), calls.Load())

	stats := a.Stats()
	require.NotNil(t, stats.Breaker)
	assert.Equal(t, circuitbreaker.StateOpen, stats.Breaker.State)
}

func TestExecute_RetryExhaustionCountsOnceAgainstBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.CachingEnabled = false
	cfg.MaxRetries = 3
	cfg.FailureThreshold = 2
	var calls atomic.Int32
	a := newTestAdapter(t, cfg, func(context.Context, *BackendRequest) (map[string]any, error) {
		calls.Add(1)
		return nil, types.NewError(types.ErrBackend, "down")
	})

	res := a.Execute(context.Background(), containerRequest("b"))
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, circuitbreaker.StateClosed, a.Stats().Breaker.State)
	assert.Equal(t, 1, a.Stats().Breaker.FailureCount)
}

func TestExecute_SharedBreakerRegistry(t *testing.T) {
	cfg := testConfig()
	cfg.RetryEnabled = false
	cfg.CachingEnabled = false
	cfg.FailureThreshold = 1
	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)
	fail := func(context.Context, *BackendRequest) (map[string]any, error) {
		return nil, types.NewError(types.ErrBackend, "down")
	}

	a := newTestAdapter(t, cfg, fail, WithBreakers(reg))
	b := newTestAdapter(t, cfg, fail, WithBreakers(reg))

	a.Execute(context.Background(), containerRequest("x"))
	res := b.Execute(context.Background(), containerRequest("x"))
	assert.Equal(t, types.ErrCircuitOpen, res.ErrorCode)
	assert.Same(t, reg, b.Breakers())
}

func TestExecute_BreakerDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitBreakerEnabled = false
	cfg.RetryEnabled = false
	cfg.CachingEnabled = false
	a := newTestAdapter(t, cfg, func(context.Context, *BackendRequest) (map[string]any, error) {
		return nil, types.NewError(types.ErrBackend, "down")
	})

	for i := 0; i < 10; i++ {
		res := a.Execute(context.Background(), containerRequest("x"))
		assert.Equal(t, types.ErrBackend, res.ErrorCode)
	}
	assert.Nil(t, a.Stats().Breaker)
	assert.Nil(t, a.Breakers())
}

func TestExecute_PanicDuringHalfOpenReopensBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.RetryEnabled = false
	cfg.CachingEnabled = false
	cfg.FailureThreshold = 1
	cfg.ResetTimeout = 20 * time.Millisecond
	cfg.HalfOpenMaxCalls = 1

	var calls atomic.Int32
	a := newTestAdapter(t, cfg, func(context.Context, *BackendRequest) (map[string]any, error) {
		switch calls.Add(1) {
		case 1:
			return nil, types.NewError(types.ErrBackend, "down")
		case 2:
			panic("trial crashed")
		}
		return map[string]any{"ok": true}, nil
	})

	res := a.Execute(context.Background(), containerRequest("h"))
	require.Equal(t, types.ErrBackend, res.ErrorCode)
	require.Equal(t, circuitbreaker.StateOpen, a.Stats().Breaker.State)

	time.Sleep(40 * time.Millisecond)
	res = a.Execute(context.Background(), containerRequest("h"))
	assert.Equal(t, types.ErrInternal, res.ErrorCode)
	assert.Equal(t, circuitbreaker.StateOpen, a.Stats().Breaker.State, "crashed trial reopens the breaker")

	// 半开名额已归还：下一轮试探可以进入并恢复
	time.Sleep(40 * time.Millisecond)
	res = a.Execute(context.Background(), containerRequest("h"))
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, circuitbreaker.StateClosed, a.Stats().Breaker.State)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecute_CacheHitBypassesGateAndBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentExecutions = 1
	cfg.FailureThreshold = 1
	cfg.ResetTimeout = time.Hour
	a := newTestAdapter(t, cfg, func(context.Context, *BackendRequest) (map[string]any, error) {
		return map[string]any{"n": 1}, nil
	})

	warm := a.Execute(context.Background(), containerRequest("c"))
	require.True(t, warm.Success, warm.Error)

	// 打开熔断器并占满闸门
	a.breaker.RecordFailure()
	require.Equal(t, circuitbreaker.StateOpen, a.breaker.State())
	release, err := a.gate.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	before := a.Stats()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res := a.Execute(ctx, containerRequest("c"))
	after := a.Stats()

	assert.True(t, res.Success, res.Error)
	assert.True(t, res.Cached)
	assert.Equal(t, warm.Result, res.Result)
	assert.Equal(t, before.Gate.Admitted, after.Gate.Admitted)
	assert.Equal(t, before.Breaker.Metrics.Rejected, after.Breaker.Metrics.Rejected)
	assert.Equal(t, circuitbreaker.StateOpen, after.Breaker.State)

	// 对照：跳过缓存的同一请求被闸门挡住
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	req := containerRequest("c")
	req.SkipCache = true
	blocked := a.Execute(short, req)
	assert.False(t, blocked.Success)
	assert.Equal(t, types.ErrCancelled, blocked.ErrorCode)
}

func TestExecute_GateLimitsConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentExecutions = 2
	cfg.CachingEnabled = false

	var inFlight, peak atomic.Int32
	a := newTestAdapter(t, cfg, func(context.Context, *BackendRequest) (map[string]any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return map[string]any{}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := a.Execute(context.Background(), containerRequest("g"))
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
	assert.Zero(t, a.Stats().Gate.InFlight)
}

func TestExecute_CancelledWhileWaitingForPermit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentExecutions = 1
	cfg.CachingEnabled = false

	started := make(chan struct{})
	unblock := make(chan struct{})
	a := newTestAdapter(t, cfg, func(context.Context, *BackendRequest) (map[string]any, error) {
		close(started)
		<-unblock
		return map[string]any{}, nil
	})

	done := make(chan *ExecutionResult)
	go func() { done <- a.Execute(context.Background(), containerRequest("holder")) }()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := a.Execute(ctx, containerRequest("waiter"))
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrCancelled, res.ErrorCode)

	close(unblock)
	assert.True(t, (<-done).Success)
}

func TestExecute_CancellationDoesNotPreemptStartedWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := newTestAdapter(t, testConfig(), func(execCtx context.Context, _ *BackendRequest) (map[string]any, error) {
		cancel()
		time.Sleep(10 * time.Millisecond)
		if execCtx.Err() != nil {
			return nil, execCtx.Err()
		}
		return map[string]any{"done": true}, nil
	})

	res := a.Execute(ctx, containerRequest("p"))
	assert.True(t, res.Success, res.Error)
}

func TestExecute_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.RetryEnabled = false
	a := newTestAdapter(t, cfg, func(ctx context.Context, _ *BackendRequest) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	req := containerRequest("slow")
	req.Timeout = 20 * time.Millisecond
	res := a.Execute(context.Background(), req)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrBackendTimeout, res.ErrorCode)
}

func TestExecute_PanicBecomesInternalError(t *testing.T) {
	a := newTestAdapter(t, testConfig(), func(context.Context, *BackendRequest) (map[string]any, error) {
		panic("kaboom")
	})

	res := a.Execute(context.Background(), containerRequest("p"))
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrInternal, res.ErrorCode)
	assert.Contains(t, res.Error, "kaboom")
	assert.Zero(t, a.Stats().Gate.InFlight)
}

func TestExecute_AfterClose(t *testing.T) {
	a := newTestAdapter(t, testConfig(), func(context.Context, *BackendRequest) (map[string]any, error) {
		return map[string]any{}, nil
	})
	require.NoError(t, a.Close())

	req := containerRequest("late")
	req.SkipCache = true
	res := a.Execute(context.Background(), req)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrBackendUnavailable, res.ErrorCode)
}

func TestExecute_CloseReleasesBlockedWaiter(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentExecutions = 1
	cfg.CachingEnabled = false

	started := make(chan struct{})
	unblock := make(chan struct{})
	a := newTestAdapter(t, cfg, func(context.Context, *BackendRequest) (map[string]any, error) {
		close(started)
		<-unblock
		return map[string]any{}, nil
	})

	holder := make(chan *ExecutionResult, 1)
	go func() { holder <- a.Execute(context.Background(), containerRequest("holder")) }()
	<-started

	waiter := make(chan *ExecutionResult, 1)
	go func() { waiter <- a.Execute(context.Background(), containerRequest("waiter")) }()
	require.Eventually(t, func() bool { return a.Stats().Gate.Waiting == 1 }, time.Second, time.Millisecond)

	require.NoError(t, a.Close())
	select {
	case res := <-waiter:
		assert.False(t, res.Success)
		assert.Equal(t, types.ErrBackendUnavailable, res.ErrorCode)
	case <-time.After(time.Second):
		t.Fatal("waiter still blocked after Close")
	}

	// 已在途的执行不受影响
	close(unblock)
	assert.True(t, (<-holder).Success)
}

func TestExecute_NilRequest(t *testing.T) {
	a := newTestAdapter(t, testConfig(), func(context.Context, *BackendRequest) (map[string]any, error) {
		return nil, nil
	})
	res := a.Execute(context.Background(), nil)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrUnsupportedType, res.ErrorCode)
}

func TestAdapter_Stats(t *testing.T) {
	a := newTestAdapter(t, testConfig(), func(context.Context, *BackendRequest) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	a.Execute(context.Background(), containerRequest("s"))
	a.Execute(context.Background(), containerRequest("s"))

	cs := a.CacheStats()
	assert.Equal(t, int64(1), cs.Hits)
	assert.Equal(t, int64(1), cs.Misses)
	assert.Equal(t, 1, cs.Size)

	snaps := a.BreakerStats()
	require.Len(t, snaps, 1)
	assert.Equal(t, "test", snaps[0].Name)
	assert.Equal(t, int64(1), snaps[0].Metrics.Successes)
}

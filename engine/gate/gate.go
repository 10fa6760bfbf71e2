// Package gate provides a counting permit pool that bounds in-flight executions.
package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("gate is closed")

// Stats is a point-in-time view of the gate.
type Stats struct {
	Limit    int   `json:"limit"`
	InFlight int64 `json:"in_flight"`
	Waiting  int64 `json:"waiting"`
	Admitted int64 `json:"admitted"`
	// PeakInFlight is the highest InFlight observed since creation.
	PeakInFlight int64 `json:"peak_in_flight"`
}

// Gate admits at most Limit holders at once. Waiters are admitted as permits free up.
type Gate struct {
	limit int
	sem   *semaphore.Weighted

	// closeCtx is cancelled by Close so blocked waiters return ErrClosed.
	closeCtx context.Context
	shut     context.CancelFunc
	closed   atomic.Bool
	inFlight atomic.Int64
	waiting  atomic.Int64
	admitted atomic.Int64
	peak     atomic.Int64

	// OnChange, if set, is called with the in-flight and waiting counts after each change.
	OnChange func(inFlight, waiting int64)
}

// New creates a gate with the given number of permits. limit must be > 0.
func New(limit int) *Gate {
	if limit <= 0 {
		limit = 1
	}
	closeCtx, shut := context.WithCancel(context.Background())
	return &Gate{
		limit:    limit,
		sem:      semaphore.NewWeighted(int64(limit)),
		closeCtx: closeCtx,
		shut:     shut,
	}
}

// Limit returns the number of permits.
func (g *Gate) Limit() int { return g.limit }

// Acquire blocks until a permit is available, ctx is done or the gate is closed.
// The returned release func is idempotent and must be called exactly once logically.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}

	waitCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(g.closeCtx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	g.waiting.Add(1)
	g.notify()
	err = g.sem.Acquire(waitCtx, 1)
	g.waiting.Add(-1)
	if err == nil && g.closed.Load() {
		g.sem.Release(1)
		err = ErrClosed
	}
	if err != nil {
		g.notify()
		if g.closed.Load() && ctx.Err() == nil {
			return nil, ErrClosed
		}
		return nil, err
	}

	n := g.inFlight.Add(1)
	g.admitted.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.notify()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.inFlight.Add(-1)
			g.sem.Release(1)
			g.notify()
		})
	}, nil
}

// TryAcquire takes a permit only if one is free right now.
func (g *Gate) TryAcquire() (release func(), ok bool) {
	if g.closed.Load() || !g.sem.TryAcquire(1) {
		return nil, false
	}
	g.inFlight.Add(1)
	g.admitted.Add(1)
	g.notify()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.inFlight.Add(-1)
			g.sem.Release(1)
			g.notify()
		})
	}, true
}

// Close rejects new Acquire calls and wakes blocked waiters with ErrClosed.
// Holders keep their permits until release.
func (g *Gate) Close() {
	g.closed.Store(true)
	g.shut()
}

// Stats returns current counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Limit:        g.limit,
		InFlight:     g.inFlight.Load(),
		Waiting:      g.waiting.Load(),
		Admitted:     g.admitted.Load(),
		PeakInFlight: g.peak.Load(),
	}
}

func (g *Gate) notify() {
	if g.OnChange != nil {
		g.OnChange(g.inFlight.Load(), g.waiting.Load())
	}
}

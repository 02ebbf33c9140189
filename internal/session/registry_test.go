package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dealscan/internal/deal"
)

type countingPool struct {
	closes atomic.Int32
}

func (p *countingPool) ForceCloseAll() { p.closes.Add(1) }

func TestStartRunInstallsFreshToken(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Config{})
	run, err := reg.StartRun(context.Background())
	require.NoError(t, err)
	require.Same(t, run, reg.Active())
	require.False(t, run.Token().Cancelled())
	run.MarkComplete()
	require.Nil(t, reg.Active())

	next, err := reg.StartRun(context.Background())
	require.NoError(t, err)
	require.NotSame(t, run.Token(), next.Token())
	require.NotEqual(t, run.ID(), next.ID())
	next.MarkComplete()
}

func TestStartRunWaitsForPreviousCleanup(t *testing.T) {
	t.Parallel()

	pool := &countingPool{}
	reg := NewRegistry(Config{Pool: pool, CleanupTimeout: 5 * time.Second})
	first, err := reg.StartRun(context.Background())
	require.NoError(t, err)

	var firstCompleted atomic.Bool
	go func() {
		<-first.Token().Done()
		time.Sleep(50 * time.Millisecond)
		firstCompleted.Store(true)
		first.MarkComplete()
	}()

	second, err := reg.StartRun(context.Background())
	require.NoError(t, err)
	require.True(t, firstCompleted.Load(), "second run started before the first completed")
	require.True(t, first.Token().Cancelled())
	require.EqualValues(t, 1, pool.closes.Load())
	require.False(t, second.Token().Cancelled())
	second.MarkComplete()
}

func TestStartRunSendsPoisonPill(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Config{})
	first, err := reg.StartRun(context.Background())
	require.NoError(t, err)

	got := make(chan bool, 1)
	go func() {
		msg, nextErr := first.Bridge().Next(context.Background(), time.Minute)
		got <- nextErr == nil && msg.IsSignal()
		first.MarkComplete()
	}()

	second, err := reg.StartRun(context.Background())
	require.NoError(t, err)
	require.True(t, <-got)
	second.MarkComplete()
}

func TestStartRunTimeoutReleasesStaleRun(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Config{CleanupTimeout: 20 * time.Millisecond})
	stale, err := reg.StartRun(context.Background())
	require.NoError(t, err)

	fresh, err := reg.StartRun(context.Background())
	require.NoError(t, err)
	require.Same(t, fresh, reg.Active())

	stale.MarkComplete()
	require.Same(t, fresh, reg.Active(), "late completion must not clear the new run")
	fresh.MarkComplete()
	require.Nil(t, reg.Active())
}

func TestConcurrentStartRunKeepsOneActive(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Config{CleanupTimeout: 5 * time.Second})
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := reg.StartRun(context.Background())
			require.NoError(t, err)
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			select {
			case <-run.Token().Done():
			case <-time.After(20 * time.Millisecond):
			}
			mu.Lock()
			active--
			mu.Unlock()
			run.MarkComplete()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)
	require.Nil(t, reg.Active())
}

func TestCancelCurrentIsIdempotent(t *testing.T) {
	t.Parallel()

	pool := &countingPool{}
	reg := NewRegistry(Config{Pool: pool})
	require.False(t, reg.CancelCurrent())

	run, err := reg.StartRun(context.Background())
	require.NoError(t, err)
	require.True(t, reg.CancelCurrent())
	require.True(t, reg.CancelCurrent())
	require.True(t, run.Token().Cancelled())
	require.ErrorIs(t, run.Token().Err(), deal.ErrCanceled)

	run.MarkComplete()
	run.MarkComplete()
	require.False(t, reg.CancelCurrent())
}

func TestStartRunSweepsOnlyAfterUncleanRuns(t *testing.T) {
	t.Parallel()

	var sweeps atomic.Int32
	reg := NewRegistry(Config{Sweep: func() error {
		sweeps.Add(1)
		return nil
	}})

	// Process start.
	run, err := reg.StartRun(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, sweeps.Load())
	run.MarkComplete()

	// A normal finish keeps pooled browsers alive for the next run.
	run, err = reg.StartRun(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, sweeps.Load())

	require.True(t, reg.CancelCurrent())
	run.MarkComplete()
	run, err = reg.StartRun(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, sweeps.Load())
	run.MarkComplete()
}

func TestStartRunSweepsAfterEviction(t *testing.T) {
	t.Parallel()

	var sweeps atomic.Int32
	reg := NewRegistry(Config{CleanupTimeout: 20 * time.Millisecond, Sweep: func() error {
		sweeps.Add(1)
		return nil
	}})
	stale, err := reg.StartRun(context.Background())
	require.NoError(t, err)

	next, err := reg.StartRun(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, sweeps.Load())
	stale.MarkComplete()
	require.Same(t, next, reg.Active())
	next.MarkComplete()
}

func TestShutdownWaitsForActiveRun(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Config{})
	run, err := reg.StartRun(context.Background())
	require.NoError(t, err)
	go func() {
		<-run.Token().Done()
		run.MarkComplete()
	}()
	require.NoError(t, reg.Shutdown(context.Background()))
	require.Nil(t, reg.Active())
}

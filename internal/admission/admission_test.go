package admission

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/core"
)

func TestControllerDefaultsToHostParallelism(t *testing.T) {
	c := NewController(0)
	assert.Equal(t, runtime.NumCPU(), c.MaxConcurrency())
}

func TestControllerBound(t *testing.T) {
	c := NewController(2)

	p1, err := c.TryAcquire()
	require.NoError(t, err)
	p2, err := c.TryAcquire()
	require.NoError(t, err)

	_, err = c.TryAcquire()
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
	assert.True(t, core.IsRetryable(err))

	snap := c.Snapshot()
	assert.Equal(t, Snapshot{MaxConcurrency: 2, AvailablePermits: 0, RunningSessions: 2, TotalSessions: 2}, snap)

	p1.Release()
	p3, err := c.TryAcquire()
	require.NoError(t, err)

	_, err = c.TryAcquire()
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)

	p2.Release()
	p3.Release()
	assert.Equal(t, 2, c.Snapshot().AvailablePermits)
	assert.Equal(t, int64(3), c.Snapshot().TotalSessions)
}

func TestPermitReleaseIsIdempotent(t *testing.T) {
	c := NewController(1)
	p, err := c.TryAcquire()
	require.NoError(t, err)

	p.Release()
	p.Release()
	assert.Equal(t, 1, c.Snapshot().AvailablePermits)
	assert.Equal(t, 0, c.Snapshot().RunningSessions)
}

func TestPermitReleasedOnPanic(t *testing.T) {
	c := NewController(1)
	func() {
		defer func() { _ = recover() }()
		p, err := c.TryAcquire()
		require.NoError(t, err)
		defer p.Release()
		panic("task blew up")
	}()
	assert.Equal(t, 1, c.Snapshot().AvailablePermits)
}

func TestControllerConcurrentAcquire(t *testing.T) {
	const max = 3
	c := NewController(max)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		granted  []*Permit
		rejected int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.TryAcquire()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected++
				return
			}
			granted = append(granted, p)
		}()
	}
	wg.Wait()

	assert.Len(t, granted, max)
	assert.Equal(t, 10-max, rejected)
	for _, p := range granted {
		p.Release()
	}
	assert.Equal(t, max, c.Snapshot().AvailablePermits)
}

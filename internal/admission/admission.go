// Package admission bounds how many sessions execute at the same time.
package admission

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"deepresearch/internal/core"
)

// Snapshot is a point-in-time view of the permit pool.
type Snapshot struct {
	MaxConcurrency   int   `json:"max_concurrency"`
	AvailablePermits int   `json:"available_permits"`
	RunningSessions  int   `json:"running_sessions"`
	TotalSessions    int64 `json:"total_sessions"`
}

// Controller hands out a fixed number of permits without queueing.
type Controller struct {
	sem     *semaphore.Weighted
	max     int64
	running atomic.Int64
	total   atomic.Int64
}

// NewController creates a pool of max permits. A non-positive max uses the
// host CPU count.
func NewController(max int) *Controller {
	if max <= 0 {
		max = runtime.NumCPU()
	}
	return &Controller{
		sem: semaphore.NewWeighted(int64(max)),
		max: int64(max),
	}
}

// TryAcquire returns a permit or core.ErrCapacityExceeded immediately.
func (c *Controller) TryAcquire() (*Permit, error) {
	if !c.sem.TryAcquire(1) {
		return nil, core.ErrCapacityExceeded
	}
	c.running.Add(1)
	c.total.Add(1)
	return &Permit{c: c}, nil
}

// Snapshot reads the live counters.
func (c *Controller) Snapshot() Snapshot {
	running := c.running.Load()
	available := c.max - running
	if available < 0 {
		available = 0
	}
	return Snapshot{
		MaxConcurrency:   int(c.max),
		AvailablePermits: int(available),
		RunningSessions:  int(running),
		TotalSessions:    c.total.Load(),
	}
}

func (c *Controller) MaxConcurrency() int { return int(c.max) }

// Permit is one checked-out slot. Release is safe to call more than once.
type Permit struct {
	c    *Controller
	once sync.Once
}

func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.c.running.Add(-1)
		p.c.sem.Release(1)
	})
}

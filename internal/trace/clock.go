package trace

import (
	"sync/atomic"
	"time"
)

// Clock supplies monotonic timestamps in nanoseconds. Implementations must be
// callable from any hart without blocking.
type Clock interface {
	NowNanos() uint64
}

// MonotonicClock measures time since its creation.
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock starts a clock at zero.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// NowNanos returns nanoseconds elapsed since the clock was created.
func (c *MonotonicClock) NowNanos() uint64 {
	d := time.Since(c.start)
	if d < 0 {
		return 0
	}
	return uint64(d)
}

// ManualClock only moves when told to. Every reading also advances it by
// Step so consecutive timestamps stay strictly ordered.
type ManualClock struct {
	now  atomic.Uint64
	Step uint64
}

// NowNanos returns the current reading and advances by Step.
func (c *ManualClock) NowNanos() uint64 {
	if c.Step == 0 {
		return c.now.Load()
	}
	return c.now.Add(c.Step) - c.Step
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	if d > 0 {
		c.now.Add(uint64(d))
	}
}

// Set moves the clock to an absolute reading.
func (c *ManualClock) Set(ns uint64) {
	c.now.Store(ns)
}

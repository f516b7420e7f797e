package shard

import (
	"sync"
	"time"
)

// Clock issues monotonic wall-clock microsecond timestamps for newly
// appended events: strictly greater than the last issued value, and never
// less than the system clock at the moment of issue.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock returns a Clock using now as its time source (time.Now if nil).
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns the next timestamp: max(system clock, last+1).
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.now().UnixMicro()
	if n <= c.last {
		n = c.last + 1
	}
	c.last = n
	return n
}

package testutil

import (
	"sync"
	"time"
)

// ServiceStart is the default reading of a new Clock: the start of an
// evening service, when orders and reconnects cluster.
var ServiceStart = time.Date(2025, 7, 4, 17, 0, 0, 0, time.UTC)

// Clock is a manual time source for registry stamps and print jobs.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewClock returns a Clock reading now, or ServiceStart when omitted.
func NewClock(now ...time.Time) *Clock {
	t := ServiceStart
	if len(now) > 0 {
		t = now[0]
	}
	return &Clock{now: t}
}

// WithStep makes every Now call move the clock on by d afterwards, so
// consecutive stamps are distinct and ordered.
func (c *Clock) WithStep(d time.Duration) *Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = d
	return c
}

// Now returns the current reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Advance moves the clock forward by d and returns the new reading.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

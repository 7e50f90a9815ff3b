package testsupport

import (
	"sync"
	"time"
)

// Clock is a manual clock whose After advances time immediately.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	ticks  int
	onTick func(tick int)
}

// NewClock returns a clock set to a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// OnTick runs fn after every After call with the 1-based tick number.
func (c *Clock) OnTick(fn func(tick int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTick = fn
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.ticks++
	now, tick, hook := c.now, c.ticks, c.onTick
	c.mu.Unlock()

	if hook != nil {
		hook(tick)
	}
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Ticks returns how many times After was called.
func (c *Clock) Ticks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Elapsed returns how far the clock has advanced since NewClock.
func (c *Clock) Elapsed() time.Duration {
	return c.Now().Sub(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

package sched

import (
	"sync"
	"time"
)

// ManualClock drives a Scheduler from test code instead of the wall clock.
// It honors the single-timer discipline: only the most recently armed timer
// can fire.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
	arm *manualTimer
}

type manualTimer struct {
	c        *ManualClock
	deadline time.Time
	fn       func()
	stopped  bool
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// NewManual returns a scheduler whose notion of time is controlled by the
// returned clock. Intended for tests.
func NewManual(start time.Time) (*Scheduler, *ManualClock) {
	c := &ManualClock{now: start}
	s := New()
	s.now = c.Now
	s.newTimer = func(d time.Duration, fn func()) stopper {
		c.mu.Lock()
		defer c.mu.Unlock()
		t := &manualTimer{c: c, deadline: c.now.Add(d), fn: fn}
		c.arm = t
		return t
	}
	return s, c
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves time forward and fires the armed timer as often as it comes
// due, including timers re-armed by the callbacks themselves.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		t := c.arm
		if t == nil || t.stopped || t.deadline.After(c.now) {
			c.mu.Unlock()
			return
		}
		t.stopped = true
		if c.arm == t {
			c.arm = nil
		}
		c.mu.Unlock()
		t.fn()
	}
}

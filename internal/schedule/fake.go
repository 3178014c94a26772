package schedule

import (
	"sync"
	"time"
)

// FakeClock is a Clock for tests.
//
// In immediate mode (NewFakeClock) every timer fires as soon as it is
// created and virtual time jumps forward by its duration, so loops run to
// completion without sleeping. In manual mode (NewManualClock) timers fire
// only when Advance moves virtual time past their deadline.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	manual  bool
	pending []*fakeTimer
	created int
	stopped int
}

// NewFakeClock returns an immediate-mode fake clock starting at start
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// NewManualClock returns a manual-mode fake clock starting at start
func NewManualClock(start time.Time) *FakeClock {
	return &FakeClock{now: start, manual: true}
}

// Now returns the current virtual time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTimer creates a timer firing after d of virtual time
func (c *FakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d < 0 {
		d = 0
	}
	c.created++
	t := &fakeTimer{clock: c, ch: make(chan time.Time, 1), due: c.now.Add(d)}
	if !c.manual {
		c.now = t.due
		t.fire()
		return t
	}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves virtual time forward by d, firing every due timer
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	remaining := c.pending[:0]
	for _, t := range c.pending {
		if !t.due.After(c.now) {
			t.fire()
			continue
		}
		remaining = append(remaining, t)
	}
	c.pending = remaining
}

// Pending returns the number of timers that have neither fired nor been stopped
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Created returns the number of timers created so far
func (c *FakeClock) Created() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

// Stopped returns the number of timers stopped before firing
func (c *FakeClock) Stopped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

type fakeTimer struct {
	clock   *FakeClock
	ch      chan time.Time
	due     time.Time
	fired   bool
	stopped bool
}

// fire must be called with the clock's lock held
func (t *fakeTimer) fire() {
	t.fired = true
	t.ch <- t.due
}

func (t *fakeTimer) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	c.stopped++
	for i, p := range c.pending {
		if p == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	return true
}

package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// harness drives the scheduler on a fake clock so tests never sleep. It
// mirrors the single-timer discipline: only the most recently armed timer can
// fire.
type harness struct {
	s   *Scheduler
	now time.Time
	cur *fakeArm
}

type fakeArm struct {
	deadline time.Time
	fn       func()
	stopped  bool
}

func (a *fakeArm) Stop() bool {
	was := !a.stopped
	a.stopped = true
	return was
}

func newHarness() *harness {
	h := &harness{now: time.Unix(0, 0)}
	s := New()
	s.now = func() time.Time { return h.now }
	s.newTimer = func(d time.Duration, fn func()) stopper {
		a := &fakeArm{deadline: h.now.Add(d), fn: fn}
		h.cur = a
		return a
	}
	h.s = s
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
	for h.cur != nil && !h.cur.stopped && !h.cur.deadline.After(h.now) {
		cur := h.cur
		cur.stopped = true
		cur.fn()
		if h.cur == cur {
			h.cur = nil
		}
	}
}

func TestFiresInDueOrder(t *testing.T) {
	h := newHarness()
	var got []string

	h.s.Schedule(func() { got = append(got, "late") }, 20*time.Millisecond, 0)
	h.s.Schedule(func() { got = append(got, "early") }, 5*time.Millisecond, 0)

	h.advance(30 * time.Millisecond)
	assert.Equal(t, []string{"early", "late"}, got)
}

func TestEqualDelayFIFO(t *testing.T) {
	h := newHarness()
	var got []int

	for i := 0; i < 5; i++ {
		i := i
		h.s.Schedule(func() { got = append(got, i) }, 10*time.Millisecond, 0)
	}

	h.advance(10 * time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestToleranceBatchesNearSimultaneous(t *testing.T) {
	h := newHarness()
	var got []string

	h.s.Schedule(func() { got = append(got, "a") }, 10*time.Millisecond, 0)
	h.s.Schedule(func() { got = append(got, "b") }, 10*time.Millisecond+500*time.Microsecond, 0)

	// One timer expiry delivers both, earliest first.
	h.advance(10 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestCancelIdempotent(t *testing.T) {
	h := newHarness()
	ran := false

	id := h.s.Schedule(func() { ran = true }, 10*time.Millisecond, 0)
	h.s.Cancel(id)
	h.s.Cancel(id) // second cancel is a no-op
	h.s.Cancel(ID(0))

	h.advance(time.Second)
	assert.False(t, ran)
	assert.Equal(t, 0, h.s.Len())
}

func TestStaleIDAfterReuseCancelsNothing(t *testing.T) {
	h := newHarness()

	stale := h.s.Schedule(func() {}, time.Millisecond, 0)
	h.advance(time.Millisecond)

	// The fired event's slot is pooled; the next schedule reuses it.
	ran := false
	h.s.Schedule(func() { ran = true }, time.Millisecond, 0)
	h.s.Cancel(stale)

	h.advance(time.Millisecond)
	assert.True(t, ran)
}

func TestCancelGroup(t *testing.T) {
	h := newHarness()
	var got []string

	h.s.Schedule(func() { got = append(got, "keep") }, 10*time.Millisecond, 1)
	h.s.Schedule(func() { got = append(got, "drop1") }, 10*time.Millisecond, 2)
	h.s.Schedule(func() { got = append(got, "drop2") }, 20*time.Millisecond, 2)

	h.s.CancelGroup(2)
	h.s.CancelGroup(2) // idempotent

	h.advance(30 * time.Millisecond)
	assert.Equal(t, []string{"keep"}, got)
}

func TestCancelGroupFromWithinOwnGroup(t *testing.T) {
	h := newHarness()
	var got []string

	h.s.Schedule(func() {
		got = append(got, "first")
		h.s.CancelGroup(7)
	}, 10*time.Millisecond, 7)
	h.s.Schedule(func() { got = append(got, "sibling") }, 10*time.Millisecond, 7)

	h.advance(10 * time.Millisecond)
	assert.Equal(t, []string{"first"}, got, "a callback canceling its own group suppresses batch siblings")
}

func TestPanicDoesNotAbortSiblings(t *testing.T) {
	h := newHarness()
	var got []string

	h.s.Schedule(func() { panic("boom") }, 10*time.Millisecond, 0)
	h.s.Schedule(func() { got = append(got, "survivor") }, 10*time.Millisecond, 0)

	h.advance(10 * time.Millisecond)
	assert.Equal(t, []string{"survivor"}, got)

	// Queue and pool still usable afterwards.
	h.s.Schedule(func() { got = append(got, "after") }, time.Millisecond, 0)
	h.advance(time.Millisecond)
	assert.Equal(t, []string{"survivor", "after"}, got)
}

func TestClear(t *testing.T) {
	h := newHarness()
	ran := false

	h.s.Schedule(func() { ran = true }, time.Millisecond, 0)
	h.s.Schedule(func() { ran = true }, 2*time.Millisecond, 3)
	h.s.Clear()

	h.advance(time.Second)
	assert.False(t, ran)
	assert.Equal(t, 0, h.s.Len())
}

func TestRearmAfterBatch(t *testing.T) {
	h := newHarness()
	var got []string

	h.s.Schedule(func() { got = append(got, "a") }, 5*time.Millisecond, 0)
	h.s.Schedule(func() { got = append(got, "b") }, 50*time.Millisecond, 0)

	h.advance(5 * time.Millisecond)
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 1, h.s.Len())

	h.advance(45 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestCallbackMaySchedule(t *testing.T) {
	h := newHarness()
	var got []string

	h.s.Schedule(func() {
		got = append(got, "outer")
		h.s.Schedule(func() { got = append(got, "inner") }, 5*time.Millisecond, 0)
	}, 5*time.Millisecond, 0)

	h.advance(5 * time.Millisecond)
	h.advance(5 * time.Millisecond)
	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestSlotPoolReuse(t *testing.T) {
	h := newHarness()

	// Fire a burst, then another; the arena must not grow past the burst size.
	for i := 0; i < 8; i++ {
		h.s.Schedule(func() {}, time.Millisecond, 0)
	}
	h.advance(time.Millisecond)
	for i := 0; i < 8; i++ {
		h.s.Schedule(func() {}, time.Millisecond, 0)
	}
	h.advance(time.Millisecond)

	assert.LessOrEqual(t, len(h.s.slots), 8)
	assert.Equal(t, 0, h.s.Len())
}

func TestStaleExpiryDoesNotFireEarly(t *testing.T) {
	h := newHarness()
	var got []string

	a := h.s.Schedule(func() { got = append(got, "a") }, 10*time.Millisecond, 0)
	h.s.Schedule(func() { got = append(got, "b") }, 110*time.Millisecond, 0)

	// The timer for a expires just as Cancel stops it and re-arms for b;
	// Stop cannot halt an expiry already in flight.
	h.now = h.now.Add(10 * time.Millisecond)
	stale := h.cur
	h.s.Cancel(a)
	stale.fn()

	assert.Empty(t, got, "b is not due for another 100ms")
	assert.Equal(t, 1, h.s.Len())

	h.advance(100 * time.Millisecond)
	assert.Equal(t, []string{"b"}, got)
}

func TestNegativeDelayFiresImmediately(t *testing.T) {
	h := newHarness()
	ran := false
	h.s.Schedule(func() { ran = true }, -5*time.Millisecond, 0)
	h.advance(0)
	assert.True(t, ran)
}

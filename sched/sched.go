// Package sched is a time-ordered callback executor with slot reuse and group
// cancellation. One timer is armed for the single soonest due event and
// re-armed after every mutation; the scheduler never polls.
package sched

import (
	"sync"
	"time"

	"go-arp/debug"
)

// ID identifies a scheduled event. The zero ID is never issued.
// Low 32 bits are the slot index + 1, high 32 bits the slot generation, so a
// stale ID held after its slot was reused cancels nothing.
type ID uint64

// Events due within this window of the soonest event fire in the same batch,
// in due-time order, so simultaneous events are never reordered by rearm
// jitter.
const tolerance = time.Millisecond

type slot struct {
	active bool
	gen    uint32
	due    time.Time
	seq    uint64
	group  int
	fn     func()
}

// batchEntry is an event extracted for firing. Cancel/CancelGroup during the
// batch flip canceled so a callback can abort its own group's siblings.
type batchEntry struct {
	id       ID
	group    int
	due      time.Time
	seq      uint64
	fn       func()
	canceled bool
}

// Scheduler executes callbacks at their due time in strict non-decreasing
// order; ties fire in scheduling (FIFO) order.
type Scheduler struct {
	mu    sync.Mutex
	slots []slot
	free  []int
	seq   uint64
	batch []batchEntry

	timer stopper

	// injectable for tests
	now      func() time.Time
	newTimer func(d time.Duration, fn func()) stopper
}

type stopper interface {
	Stop() bool
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		now: time.Now,
		newTimer: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
	}
}

// Schedule registers fn to run after delay. The group tag is arbitrary; pass
// the same tag to related events so CancelGroup can abort them together.
func (s *Scheduler) Schedule(fn func(), delay time.Duration, group int) ID {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.acquireSlot()
	s.seq++
	sl := &s.slots[idx]
	sl.active = true
	sl.due = s.now().Add(delay)
	sl.seq = s.seq
	sl.group = group
	sl.fn = fn

	s.rearm()
	return makeID(idx, sl.gen)
}

// Cancel removes the event if it has not fired. Idempotent: unknown or
// already-fired IDs are a no-op. Once Cancel returns the callback will never
// run.
func (s *Scheduler) Cancel(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, gen, ok := splitID(id)
	if ok && idx < len(s.slots) && s.slots[idx].active && s.slots[idx].gen == gen {
		s.releaseSlot(idx)
		s.rearm()
	}
	for i := range s.batch {
		if s.batch[i].id == id {
			s.batch[i].canceled = true
		}
	}
}

// CancelGroup removes every pending event carrying the group tag, including
// batch siblings of a callback currently firing.
func (s *Scheduler) CancelGroup(group int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for i := range s.slots {
		if s.slots[i].active && s.slots[i].group == group {
			s.releaseSlot(i)
			changed = true
		}
	}
	for i := range s.batch {
		if s.batch[i].group == group {
			s.batch[i].canceled = true
		}
	}
	if changed {
		s.rearm()
	}
}

// Clear removes all pending events.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		if s.slots[i].active {
			s.releaseSlot(i)
		}
	}
	for i := range s.batch {
		s.batch[i].canceled = true
	}
	s.rearm()
}

// Len reports the number of pending events.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.slots {
		if s.slots[i].active {
			n++
		}
	}
	return n
}

// acquireSlot pops a pooled slot or grows the arena. Caller holds mu.
func (s *Scheduler) acquireSlot() int {
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		return idx
	}
	s.slots = append(s.slots, slot{gen: 1})
	return len(s.slots) - 1
}

// releaseSlot returns a slot to the pool, bumping its generation so stale IDs
// miss. Caller holds mu.
func (s *Scheduler) releaseSlot(idx int) {
	sl := &s.slots[idx]
	sl.active = false
	sl.fn = nil
	sl.gen++
	s.free = append(s.free, idx)
}

// rearm points the single timer at the soonest due event. Caller holds mu.
func (s *Scheduler) rearm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	earliest, ok := s.earliest()
	if !ok {
		return
	}

	d := earliest.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.timer = s.newTimer(d, s.fire)
}

func (s *Scheduler) earliest() (time.Time, bool) {
	var due time.Time
	found := false
	for i := range s.slots {
		if !s.slots[i].active {
			continue
		}
		if !found || s.slots[i].due.Before(due) {
			due = s.slots[i].due
			found = true
		}
	}
	return due, found
}

// fire runs every event due within tolerance of the soonest, in (due, seq)
// order, then re-arms. A panicking callback is recovered and logged; siblings
// still run and the pool stays intact.
func (s *Scheduler) fire() {
	s.mu.Lock()
	earliest, ok := s.earliest()
	if !ok {
		s.mu.Unlock()
		return
	}

	// A stale expiry can land here after a mutation stopped its timer and
	// re-armed for a later event (AfterFunc.Stop cannot halt a function
	// already in flight). Nothing may fire ahead of its due time.
	if earliest.After(s.now().Add(tolerance)) {
		s.rearm()
		s.mu.Unlock()
		return
	}

	cutoff := earliest.Add(tolerance)
	s.batch = s.batch[:0]
	for i := range s.slots {
		if s.slots[i].active && !s.slots[i].due.After(cutoff) {
			s.batch = append(s.batch, batchEntry{
				id:    makeID(i, s.slots[i].gen),
				group: s.slots[i].group,
				due:   s.slots[i].due,
				seq:   s.slots[i].seq,
				fn:    s.slots[i].fn,
			})
			s.releaseSlot(i)
		}
	}

	// Due time first, FIFO within ties.
	batch := s.batch
	for i := 1; i < len(batch); i++ {
		for j := i; j > 0 && less(batch[j], batch[j-1]); j-- {
			batch[j], batch[j-1] = batch[j-1], batch[j]
		}
	}
	s.mu.Unlock()

	for i := range batch {
		s.mu.Lock()
		skip := batch[i].canceled
		fn := batch[i].fn
		s.mu.Unlock()
		if skip {
			continue
		}
		s.invoke(fn)
	}

	s.mu.Lock()
	s.batch = s.batch[:0]
	s.rearm()
	s.mu.Unlock()
}

func less(a, b batchEntry) bool {
	if a.due.Equal(b.due) {
		return a.seq < b.seq
	}
	return a.due.Before(b.due)
}

func (s *Scheduler) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			debug.Log("sched", "callback panic: %v", r)
		}
	}()
	fn()
}

func makeID(idx int, gen uint32) ID {
	return ID(uint64(gen)<<32 | uint64(uint32(idx+1)))
}

func splitID(id ID) (idx int, gen uint32, ok bool) {
	low := uint32(id)
	if low == 0 {
		return 0, 0, false
	}
	return int(low - 1), uint32(id >> 32), true
}

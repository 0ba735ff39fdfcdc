// Package clock turns an external 24 PPQN pulse train into tick, quarter-note
// and transport events, and keeps a smoothed BPM estimate. Liveness is a
// watchdog: if no pulse arrives within the timeout while running, sync is
// declared lost. There is no handshake.
package clock

import (
	"sync"
	"time"

	"go-arp/debug"
)

// PPQ is the external clock convention: pulses per quarter note.
const PPQ = 24

// DefaultTimeout is the silence after which the clock is considered stopped.
const DefaultTimeout = 500 * time.Millisecond

// bpmWindow bounds the inter-pulse delta history used for the BPM average.
const bpmWindow = PPQ

// minDeltas is how many inter-pulse intervals the average needs before the
// BPM estimate is considered valid.
const minDeltas = 3

// Listener receives clock events. All fields are optional; callbacks are
// invoked synchronously in registration order.
type Listener struct {
	OnTick      func(count int, at time.Time)
	OnQuarter   func(n int)
	OnSixteenth func(n int)
	OnStart     func()
	OnStop      func()
	OnSyncLost  func()
}

// State is a snapshot of the engine, safe to hand out.
type State struct {
	Running   bool
	TickCount int
	BPM       float64
}

// Engine consumes external clock pulses and transport messages.
type Engine struct {
	mu        sync.Mutex
	running   bool
	tickCount int
	deltas    []time.Duration
	lastPulse time.Time
	listeners []Listener
	timeout   time.Duration
	watchdog  stopper
	armedAt   time.Time

	// injectable for tests
	now      func() time.Time
	newTimer func(d time.Duration, fn func()) stopper
}

type stopper interface {
	Stop() bool
}

// New creates a stopped engine with the default liveness timeout.
func New() *Engine {
	return &Engine{
		timeout: DefaultTimeout,
		now:     time.Now,
		newTimer: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
	}
}

// AddListener appends a listener. Listeners cannot be removed individually;
// hosts that rewire on suspend/resume call ClearListeners and re-register.
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// ClearListeners drops every registered listener.
func (e *Engine) ClearListeners() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}

// OnPulse handles one external clock pulse. The counter increments
// unconditionally per call; de-duplicating near-simultaneous deliveries is
// the caller's responsibility.
func (e *Engine) OnPulse() {
	e.mu.Lock()
	ts := e.now()
	if !e.lastPulse.IsZero() {
		e.deltas = append(e.deltas, ts.Sub(e.lastPulse))
		if len(e.deltas) > bpmWindow {
			e.deltas = e.deltas[1:]
		}
	}
	e.lastPulse = ts
	e.running = true
	count := e.tickCount
	e.tickCount++
	e.armWatchdog()
	ls := e.snapshotListeners()
	e.mu.Unlock()

	debug.LogEvery(PPQ, "clock", "pulse count=%d", count)

	for _, l := range ls {
		if l.OnTick != nil {
			l.OnTick(count, ts)
		}
	}
	if count%PPQ == 0 {
		for _, l := range ls {
			if l.OnQuarter != nil {
				l.OnQuarter(count / PPQ)
			}
		}
	}
	if count%(PPQ/4) == 0 {
		for _, l := range ls {
			if l.OnSixteenth != nil {
				l.OnSixteenth(count / (PPQ / 4))
			}
		}
	}
}

// OnStart handles a transport start: the pulse counter resets and the
// watchdog re-arms, but the BPM window survives so a displayed tempo
// outlives Stop/Start.
func (e *Engine) OnStart() {
	e.mu.Lock()
	e.tickCount = 0
	e.lastPulse = time.Time{}
	e.running = true
	e.armWatchdog()
	ls := e.snapshotListeners()
	e.mu.Unlock()

	debug.Log("clock", "start")
	for _, l := range ls {
		if l.OnStart != nil {
			l.OnStart()
		}
	}
}

// OnContinue resumes without resetting the pulse counter.
func (e *Engine) OnContinue() {
	e.mu.Lock()
	e.lastPulse = time.Time{}
	e.running = true
	e.armWatchdog()
	ls := e.snapshotListeners()
	e.mu.Unlock()

	debug.Log("clock", "continue count=%d", e.TickCount())
	for _, l := range ls {
		if l.OnStart != nil {
			l.OnStart()
		}
	}
}

// OnStop handles a transport stop.
func (e *Engine) OnStop() {
	e.mu.Lock()
	e.running = false
	e.lastPulse = time.Time{}
	if e.watchdog != nil {
		e.watchdog.Stop()
		e.watchdog = nil
	}
	ls := e.snapshotListeners()
	e.mu.Unlock()

	debug.Log("clock", "stop")
	for _, l := range ls {
		if l.OnStop != nil {
			l.OnStop()
		}
	}
}

// BPM is the moving average over the delta window, 0 until enough intervals
// have been observed.
func (e *Engine) BPM() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bpmLocked()
}

func (e *Engine) bpmLocked() float64 {
	if len(e.deltas) < minDeltas {
		return 0
	}
	var sum time.Duration
	for _, d := range e.deltas {
		sum += d
	}
	avgMs := float64(sum.Microseconds()) / float64(len(e.deltas)) / 1000.0
	if avgMs <= 0 {
		return 0
	}
	return 60000.0 / (avgMs * PPQ)
}

// Running reports whether the clock is considered live.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// TickCount returns the current pulse count.
func (e *Engine) TickCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tickCount
}

// Snapshot returns a copy of the clock state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Running:   e.running,
		TickCount: e.tickCount,
		BPM:       e.bpmLocked(),
	}
}

// armWatchdog re-arms the liveness timer. Caller holds mu.
func (e *Engine) armWatchdog() {
	if e.watchdog != nil {
		e.watchdog.Stop()
	}
	e.armedAt = e.now()
	e.watchdog = e.newTimer(e.timeout, e.expire)
}

// expire fires when the clock has been silent for the full timeout. Not an
// error: surfaced as a state transition.
func (e *Engine) expire() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	// A stale expiry can land here after a fresh pulse re-armed the watchdog
	// (AfterFunc.Stop cannot halt a function already in flight). Liveness is
	// judged by elapsed silence, not by which timer fired.
	if gap := e.now().Sub(e.armedAt); gap < e.timeout {
		e.watchdog = e.newTimer(e.timeout-gap, e.expire)
		e.mu.Unlock()
		return
	}
	e.running = false
	e.watchdog = nil
	ls := e.snapshotListeners()
	e.mu.Unlock()

	debug.Log("clock", "sync lost (no pulse within %s)", e.timeout)
	for _, l := range ls {
		if l.OnSyncLost != nil {
			l.OnSyncLost()
		}
	}
}

func (e *Engine) snapshotListeners() []Listener {
	ls := make([]Listener, len(e.listeners))
	copy(ls, e.listeners)
	return ls
}

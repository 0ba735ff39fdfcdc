// Package arp is the pattern/step engine: it holds the press-ordered note
// set, derives the per-pattern note order, reacts to clock ticks and drives
// note-on/note-off through the scheduler. All mutable state is owned by the
// Engine and mutated under one lock; dependent state (the note order) is
// re-derived atomically, never patched.
package arp

import (
	"math/rand"
	"sync"
	"time"

	"go-arp/clock"
	"go-arp/debug"
	"go-arp/sched"
	"go-arp/timing"
)

// Scheduler groups: a parameter change aborts pending delayed note-ons;
// disabling flushes both.
const (
	groupPlay = iota + 1
	groupRelease
)

// validDivisors are the clock divisors that divide the 24 PPQN pulse train
// evenly. Anything else is clamped to the nearest.
var validDivisors = []int{1, 2, 3, 4, 6, 8, 12, 24}

// fallbackBPM is used for step sizing until the clock has a BPM estimate.
const fallbackBPM = 120.0

// ratchetGateCap clips each ratchet repeat to a fraction of its sub-slot.
const ratchetGateCap = 0.9

// Transport is the MIDI output collaborator. Calls are fire-and-forget:
// errors are logged, never propagated. StopNote must tolerate already-off
// notes.
type Transport interface {
	PlayNote(note, velocity, channel uint8) error
	StopNote(note, velocity, channel uint8) error
}

// StepObserver is fired once per sounded note, for visual feedback.
type StepObserver func(stepIndex int, note uint8)

// Snapshot is a copy of the engine state; mutating it cannot touch the
// engine's invariants.
type Snapshot struct {
	Enabled      bool
	Pattern      Pattern
	GateLength   float64
	OctaveRange  int
	StepIndex    int
	Divisor      int
	NotesPerStep int
	Overlap      bool
	NoteOrder    []uint8
	HeldNotes    []uint8
}

// held-note bookkeeping: key encodes (note, channel); the ref points into a
// pooled note-off batch for O(1) early release.
type heldRef struct {
	batch int
	index int
}

type noteOffEntry struct {
	note     uint8
	released bool
}

type noteOffBatch struct {
	active  bool
	channel uint8
	entries []noteOffEntry
	schedID sched.ID
}

func heldKey(note, channel uint8) uint16 {
	return uint16(note) | uint16(channel)<<8
}

// Engine is the arpeggiator core.
type Engine struct {
	mu sync.Mutex

	enabled      bool
	pattern      Pattern
	gateLength   float64
	octaveRange  int
	divisor      int
	notesPerStep int
	overlap      bool
	stepIndex    int
	globalStep   int

	pressOrder []uint8
	noteOrder  []uint8

	gateProbability float64 // chance a step sounds; skipped steps still advance
	accentAmount    float64 // extra velocity on even global steps
	ratchets        int     // repeats per step, 1 = off

	strategy  timing.Strategy
	scheduler *sched.Scheduler
	transport Transport

	// live parameter getters, fetched fresh at each note-on
	channelFn  func() uint8
	velocityFn func() uint8
	bpmFn      func() float64

	rng *rand.Rand

	stepObservers  []StepObserver
	stateListeners []func()

	batches     []noteOffBatch
	freeBatches []int
	held        map[uint16]heldRef
}

// New creates a disabled engine with sensible defaults, driven by the given
// scheduler.
func New(scheduler *sched.Scheduler) *Engine {
	return &Engine{
		pattern:         PatternUp,
		gateLength:      0.8,
		octaveRange:     1,
		divisor:         4,
		notesPerStep:    1,
		gateProbability: 1,
		ratchets:        1,
		strategy:        timing.Straight{},
		scheduler:       scheduler,
		channelFn:       func() uint8 { return 1 },
		velocityFn:      func() uint8 { return 100 },
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		held:            make(map[uint16]heldRef),
	}
}

// SetTransport attaches (or detaches, with nil) the MIDI output.
func (e *Engine) SetTransport(t Transport) {
	e.mu.Lock()
	e.transport = t
	e.mu.Unlock()
}

// SetChannelFn installs the live channel getter (1..16, clamped per call).
func (e *Engine) SetChannelFn(fn func() uint8) {
	e.mu.Lock()
	e.channelFn = fn
	e.mu.Unlock()
}

// SetVelocityFn installs the live velocity getter.
func (e *Engine) SetVelocityFn(fn func() uint8) {
	e.mu.Lock()
	e.velocityFn = fn
	e.mu.Unlock()
}

// SetBPMFn installs the tempo source, typically clock.Engine.BPM.
func (e *Engine) SetBPMFn(fn func() float64) {
	e.mu.Lock()
	e.bpmFn = fn
	e.mu.Unlock()
}

// ClockListener returns the listener that drives this engine from a clock
// engine.
func (e *Engine) ClockListener() clock.Listener {
	return clock.Listener{
		OnTick: e.HandleTick,
		OnStop: func() { e.FlushPending() },
	}
}

// SetEnabled switches the engine between Disabled and Enabled. Disabling
// cancels all pending scheduled playback/release and force-releases every
// sounding note.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	if e.enabled == enabled {
		e.mu.Unlock()
		return
	}
	e.enabled = enabled
	if enabled {
		e.stepIndex = 0
		e.globalStep = 0
		e.mu.Unlock()
	} else {
		e.flushLocked()
		e.mu.Unlock()
	}
	debug.Log("arp", "enabled=%v", enabled)
	e.notifyState()
}

// Enabled reports whether the engine is stepping.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// FlushPending cancels pending playback/release and force-releases every
// sounding note, without disabling the engine.
func (e *Engine) FlushPending() {
	e.mu.Lock()
	e.flushLocked()
	e.mu.Unlock()
}

// PressNote adds a note to the press order. Duplicates are rejected; the
// note order is rebuilt atomically.
func (e *Engine) PressNote(note uint8) {
	e.mu.Lock()
	for _, n := range e.pressOrder {
		if n == note {
			e.mu.Unlock()
			return
		}
	}
	e.pressOrder = append(e.pressOrder, note)
	e.rebuildLocked()
	e.mu.Unlock()
	e.notifyState()
}

// ReleaseNote removes a note from the press order.
func (e *Engine) ReleaseNote(note uint8) {
	e.mu.Lock()
	removed := false
	for i, n := range e.pressOrder {
		if n == note {
			e.pressOrder = append(e.pressOrder[:i], e.pressOrder[i+1:]...)
			removed = true
			break
		}
	}
	if removed {
		e.rebuildLocked()
	}
	e.mu.Unlock()
	if removed {
		e.notifyState()
	}
}

// Held reports whether the note is currently in the press order.
func (e *Engine) Held(note uint8) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range e.pressOrder {
		if n == note {
			return true
		}
	}
	return false
}

// ClearNotes empties the press order.
func (e *Engine) ClearNotes() {
	e.mu.Lock()
	e.pressOrder = nil
	e.rebuildLocked()
	e.mu.Unlock()
	e.notifyState()
}

// Configuration setters. Invalid values are clamped silently, never
// rejected: the engine must keep running through a live performance.

// SetPattern selects the pattern transform and rebuilds the note order.
func (e *Engine) SetPattern(p Pattern) {
	e.mu.Lock()
	if p < 0 || int(p) >= len(patternNames) {
		p = PatternUp
	}
	e.pattern = p
	e.rebuildLocked()
	e.mu.Unlock()
	e.notifyState()
}

// Pattern returns the current pattern kind.
func (e *Engine) Pattern() Pattern {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pattern
}

// SetGateLength sets the note-on fraction of a step, clamped to [0,1].
func (e *Engine) SetGateLength(g float64) {
	e.mu.Lock()
	e.gateLength = clampFloat(g, 0, 1)
	e.mu.Unlock()
	e.notifyState()
}

// SetOctaveRange sets how many octaves the press order spans, clamped to 1..4.
func (e *Engine) SetOctaveRange(o int) {
	e.mu.Lock()
	e.octaveRange = clampInt(o, 1, 4)
	e.rebuildLocked()
	e.mu.Unlock()
	e.notifyState()
}

// SetDivisor sets the clock divisor, clamped to the nearest value that
// divides the pulse train evenly.
func (e *Engine) SetDivisor(d int) {
	e.mu.Lock()
	e.divisor = nearestDivisor(d)
	e.mu.Unlock()
	e.notifyState()
}

// SetNotesPerStep sets the sliding-window width, at least 1.
func (e *Engine) SetNotesPerStep(n int) {
	e.mu.Lock()
	if n < 1 {
		n = 1
	}
	e.notesPerStep = n
	e.mu.Unlock()
	e.notifyState()
}

// SetOverlap selects sliding (+1) versus jumping (+notesPerStep) advance.
func (e *Engine) SetOverlap(overlap bool) {
	e.mu.Lock()
	e.overlap = overlap
	e.mu.Unlock()
	e.notifyState()
}

// SetStrategy swaps the timing strategy and aborts pending lookahead.
func (e *Engine) SetStrategy(s timing.Strategy) {
	e.mu.Lock()
	if s == nil {
		s = timing.Straight{}
	}
	e.strategy = s
	e.scheduler.CancelGroup(groupPlay)
	e.mu.Unlock()
	e.notifyState()
}

// Strategy returns the active timing strategy.
func (e *Engine) Strategy() timing.Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strategy
}

// SetGateProbability sets the chance a step sounds, clamped to [0,1]. A
// skipped step still advances the counter, preserving phase.
func (e *Engine) SetGateProbability(p float64) {
	e.mu.Lock()
	e.gateProbability = clampFloat(p, 0, 1)
	e.mu.Unlock()
	e.notifyState()
}

// SetAccent sets the extra velocity applied on even global steps, clamped to
// [0,1] (0 = off, 1 = double).
func (e *Engine) SetAccent(a float64) {
	e.mu.Lock()
	e.accentAmount = clampFloat(a, 0, 1)
	e.mu.Unlock()
	e.notifyState()
}

// SetRatchets subdivides each step into n rapid repeats, clamped to 1..8.
func (e *Engine) SetRatchets(n int) {
	e.mu.Lock()
	e.ratchets = clampInt(n, 1, 8)
	e.mu.Unlock()
	e.notifyState()
}

// AddStepObserver registers a per-note step callback.
func (e *Engine) AddStepObserver(fn StepObserver) {
	e.mu.Lock()
	e.stepObservers = append(e.stepObservers, fn)
	e.mu.Unlock()
}

// AddStateListener registers a callback fired after any state mutation.
func (e *Engine) AddStateListener(fn func()) {
	e.mu.Lock()
	e.stateListeners = append(e.stateListeners, fn)
	e.mu.Unlock()
}

// ClearListeners drops all observers and state listeners; the host rewires
// them across suspend/resume cycles.
func (e *Engine) ClearListeners() {
	e.mu.Lock()
	e.stepObservers = nil
	e.stateListeners = nil
	e.mu.Unlock()
}

// Snapshot returns a copy of the engine state, never a live reference.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Enabled:      e.enabled,
		Pattern:      e.pattern,
		GateLength:   e.gateLength,
		OctaveRange:  e.octaveRange,
		StepIndex:    e.stepIndex,
		Divisor:      e.divisor,
		NotesPerStep: e.notesPerStep,
		Overlap:      e.overlap,
		NoteOrder:    append([]uint8(nil), e.noteOrder...),
		HeldNotes:    append([]uint8(nil), e.pressOrder...),
	}
}

// HandleTick reacts to one clock pulse. A tick landing exactly on a step
// boundary triggers one step; everything else is ignored.
func (e *Engine) HandleTick(count int, at time.Time) {
	e.mu.Lock()
	if !e.enabled || len(e.noteOrder) == 0 {
		e.mu.Unlock()
		return
	}

	ticksPerStep := clock.PPQ / e.divisor
	if ticksPerStep < 1 {
		ticksPerStep = 1
	}
	if count%ticksPerStep != 0 {
		e.mu.Unlock()
		return
	}

	stepIdx := e.stepIndex
	global := e.globalStep
	stepMs := e.stepDurationLocked(ticksPerStep)

	// Advance before scheduling so a skipped or delayed step cannot stall
	// the phase.
	e.advanceLocked()

	if e.transport == nil {
		e.mu.Unlock()
		debug.Log("arp", "no transport attached, step %d skipped", global)
		return
	}

	if e.gateProbability < 1 && e.rng.Float64() >= e.gateProbability {
		e.mu.Unlock()
		return
	}

	notes := e.stepNotesLocked(stepIdx)
	res := e.strategy.Apply(timing.Context{
		StepIndex:      stepIdx,
		GlobalStep:     global,
		StepDurationMs: stepMs,
		GateLength:     e.gateLength,
		Divisor:        e.divisor,
		NotesPerStep:   e.notesPerStep,
		Overlap:        e.overlap,
	})
	vel := e.stepVelocityLocked(global)
	ratchets := e.ratchets
	e.mu.Unlock()

	// Humanize may ask for a negative delay; the step still cannot sound
	// before the tick that triggers it, so it is quantized to "now".
	delay := res.DelayMs
	if delay < 0 {
		delay = 0
	}

	if ratchets > 1 {
		sub := stepMs / float64(ratchets)
		gate := res.GateMs
		if gate > ratchetGateCap*sub {
			gate = ratchetGateCap * sub
		}
		for r := 0; r < ratchets; r++ {
			e.dispatch(notes, stepIdx, vel, delay+float64(r)*sub, gate)
		}
		return
	}
	e.dispatch(notes, stepIdx, vel, delay, res.GateMs)
}

// dispatch plays a note group now or schedules it under the cancelable play
// group.
func (e *Engine) dispatch(notes []uint8, stepIdx int, vel uint8, delayMs, gateMs float64) {
	if delayMs <= 0 {
		e.playBatch(notes, stepIdx, vel, gateMs)
		return
	}
	e.scheduler.Schedule(func() {
		e.playBatch(notes, stepIdx, vel, gateMs)
	}, msToDuration(delayMs), groupPlay)
}

// playBatch sounds a group of notes and schedules their shared note-off
// batch. Re-triggering a still-sounding pitch forces its prior instance off
// first, so every note-on has exactly one scheduled-or-fired note-off.
func (e *Engine) playBatch(notes []uint8, stepIdx int, vel uint8, gateMs float64) {
	e.mu.Lock()
	t := e.transport
	if t == nil {
		e.mu.Unlock()
		return
	}
	ch := clampChannel(e.channelFn())

	batchIdx := e.acquireBatchLocked(ch)
	for _, note := range notes {
		key := heldKey(note, ch)
		if ref, ok := e.held[key]; ok {
			e.releaseEntryLocked(ref, vel)
		}
		if err := t.PlayNote(note, vel, ch); err != nil {
			debug.Log("arp", "note on %d failed: %v", note, err)
		}
		b := &e.batches[batchIdx]
		b.entries = append(b.entries, noteOffEntry{note: note})
		e.held[key] = heldRef{batch: batchIdx, index: len(b.entries) - 1}
	}

	e.batches[batchIdx].schedID = e.scheduler.Schedule(func() {
		e.releaseBatch(batchIdx)
	}, msToDuration(gateMs), groupRelease)

	observers := append([]StepObserver(nil), e.stepObservers...)
	e.mu.Unlock()

	for _, fn := range observers {
		for _, note := range notes {
			fn(stepIdx, note)
		}
	}
}

// releaseBatch fires a batch's note-offs. Entries already force-released are
// skipped.
func (e *Engine) releaseBatch(idx int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := &e.batches[idx]
	if !b.active {
		return
	}
	for i := range b.entries {
		if b.entries[i].released {
			continue
		}
		b.entries[i].released = true
		delete(e.held, heldKey(b.entries[i].note, b.channel))
		if e.transport != nil {
			if err := e.transport.StopNote(b.entries[i].note, 0, b.channel); err != nil {
				debug.Log("arp", "note off %d failed: %v", b.entries[i].note, err)
			}
		}
	}
	e.freeBatchLocked(idx)
}

// releaseEntryLocked force-releases one sounding note ahead of its batch.
func (e *Engine) releaseEntryLocked(ref heldRef, vel uint8) {
	b := &e.batches[ref.batch]
	entry := &b.entries[ref.index]
	if entry.released {
		return
	}
	entry.released = true
	delete(e.held, heldKey(entry.note, b.channel))
	if e.transport != nil {
		e.transport.StopNote(entry.note, vel, b.channel)
	}
}

// flushLocked cancels all pending playback/release and force-releases every
// sounding note. Caller holds mu.
func (e *Engine) flushLocked() {
	e.scheduler.CancelGroup(groupPlay)
	e.scheduler.CancelGroup(groupRelease)
	for i := range e.batches {
		if !e.batches[i].active {
			continue
		}
		b := &e.batches[i]
		for j := range b.entries {
			if b.entries[j].released {
				continue
			}
			b.entries[j].released = true
			if e.transport != nil {
				e.transport.StopNote(b.entries[j].note, 0, b.channel)
			}
		}
		e.freeBatchLocked(i)
	}
	e.held = make(map[uint16]heldRef)
}

// rebuildLocked atomically re-derives the note order and clamps the step
// index so no partially-updated state is observable. Caller holds mu.
func (e *Engine) rebuildLocked() {
	e.noteOrder = buildNoteOrder(e.pressOrder, e.pattern, e.octaveRange, e.rng)
	if len(e.noteOrder) > 0 {
		e.stepIndex %= len(e.noteOrder)
	} else {
		e.stepIndex = 0
	}
	// Pending lookahead refers to the old order.
	e.scheduler.CancelGroup(groupPlay)
}

// stepNotesLocked resolves which notes a step sounds. Caller holds mu.
func (e *Engine) stepNotesLocked(stepIdx int) []uint8 {
	if e.pattern.IsChord() {
		return append([]uint8(nil), e.noteOrder...)
	}
	n := e.notesPerStep
	if n > len(e.noteOrder) {
		n = len(e.noteOrder)
	}
	out := make([]uint8, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, e.noteOrder[(stepIdx+i)%len(e.noteOrder)])
	}
	return out
}

// advanceLocked moves the step index by 1 (sliding) or notesPerStep
// (jumping), wrapping modulo the sequence length. Caller holds mu.
func (e *Engine) advanceLocked() {
	inc := e.notesPerStep
	if e.overlap {
		inc = 1
	}
	if len(e.noteOrder) > 0 {
		e.stepIndex = (e.stepIndex + inc) % len(e.noteOrder)
	}
	e.globalStep++
}

// stepDurationLocked derives the step window in ms from the live tempo.
// Caller holds mu.
func (e *Engine) stepDurationLocked(ticksPerStep int) float64 {
	bpm := fallbackBPM
	if e.bpmFn != nil {
		if v := e.bpmFn(); v > 0 {
			bpm = v
		}
	}
	quarterMs := 60000.0 / bpm
	return quarterMs * float64(ticksPerStep) / float64(clock.PPQ)
}

// stepVelocityLocked applies the accent multiplier on even global steps.
// Caller holds mu.
func (e *Engine) stepVelocityLocked(global int) uint8 {
	vel := float64(e.velocityFn())
	if e.accentAmount > 0 && global%2 == 0 {
		vel *= 1 + e.accentAmount
	}
	if vel > 127 {
		vel = 127
	}
	if vel < 1 {
		vel = 1
	}
	return uint8(vel)
}

func (e *Engine) acquireBatchLocked(ch uint8) int {
	if n := len(e.freeBatches); n > 0 {
		idx := e.freeBatches[n-1]
		e.freeBatches = e.freeBatches[:n-1]
		b := &e.batches[idx]
		b.active = true
		b.channel = ch
		b.entries = b.entries[:0]
		return idx
	}
	e.batches = append(e.batches, noteOffBatch{active: true, channel: ch})
	return len(e.batches) - 1
}

func (e *Engine) freeBatchLocked(idx int) {
	b := &e.batches[idx]
	b.active = false
	b.entries = b.entries[:0]
	b.schedID = 0
	e.freeBatches = append(e.freeBatches, idx)
}

func (e *Engine) notifyState() {
	e.mu.Lock()
	ls := make([]func(), len(e.stateListeners))
	copy(ls, e.stateListeners)
	e.mu.Unlock()
	for _, fn := range ls {
		fn()
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampChannel(ch uint8) uint8 {
	if ch < 1 {
		return 1
	}
	if ch > 16 {
		return 16
	}
	return ch
}

func nearestDivisor(d int) int {
	best := validDivisors[0]
	for _, v := range validDivisors {
		if abs(d-v) < abs(d-best) {
			best = v
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

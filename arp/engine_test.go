package arp

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"go-arp/sched"
	"go-arp/timing"
)

// fakeTransport records note events and tracks the active-note set the way a
// real MIDI output does. StopNote tolerates already-off notes.
type fakeTransport struct {
	mu     sync.Mutex
	events []string
	active map[uint16]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{active: make(map[uint16]bool)}
}

func (t *fakeTransport) PlayNote(note, velocity, channel uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, fmt.Sprintf("on %d v%d ch%d", note, velocity, channel))
	t.active[heldKey(note, channel)] = true
	return nil
}

func (t *fakeTransport) StopNote(note, velocity, channel uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, fmt.Sprintf("off %d", note))
	delete(t.active, heldKey(note, channel))
	return nil
}

func (t *fakeTransport) ActiveNotes() []uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uint8
	for k := range t.active {
		out = append(out, uint8(k))
	}
	return out
}

func (t *fakeTransport) ons() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, e := range t.events {
		if e[0] == 'o' && e[1] == 'n' {
			out = append(out, e)
		}
	}
	return out
}

// newTestEngine wires an enabled engine to a manual scheduler clock at a
// fixed 120 BPM (divisor 4 -> 125ms steps).
func newTestEngine(t *testing.T) (*Engine, *fakeTransport, *sched.ManualClock) {
	t.Helper()
	s, clk := sched.NewManual(time.Unix(0, 0))
	e := New(s)
	e.rng = rand.New(rand.NewSource(1))
	ft := newFakeTransport()
	e.SetTransport(ft)
	e.SetBPMFn(func() float64 { return 120 })
	e.SetEnabled(true)
	return e, ft, clk
}

// tick feeds pulses 0..n-1; with divisor 4 every 6th pulse is a step
// boundary.
func tick(e *Engine, clk *sched.ManualClock, n int) {
	for i := 0; i < n; i++ {
		e.HandleTick(i, clk.Now())
		clk.Advance(125 * time.Millisecond / 6)
	}
}

func press(e *Engine, notes ...uint8) {
	for _, n := range notes {
		e.PressNote(n)
	}
}

func TestUpPatternCycles(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	press(e, 60, 64, 67)

	tick(e, clk, 24) // four step boundaries: pulses 0, 6, 12, 18
	assert.Equal(t, []string{
		"on 60 v100 ch1",
		"on 64 v100 ch1",
		"on 67 v100 ch1",
		"on 60 v100 ch1",
	}, ft.ons())
}

func TestNonBoundaryTicksDoNothing(t *testing.T) {
	e, ft, _ := newTestEngine(t)
	press(e, 60)

	e.HandleTick(1, time.Unix(0, 0))
	e.HandleTick(5, time.Unix(0, 0))
	assert.Empty(t, ft.events)
}

func TestUpDownPatternCycles(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	e.SetPattern(PatternUpDown)
	press(e, 60, 64, 67)

	tick(e, clk, 30) // five boundaries over noteOrder [60 64 67 64]
	assert.Equal(t, []string{
		"on 60 v100 ch1",
		"on 64 v100 ch1",
		"on 67 v100 ch1",
		"on 64 v100 ch1",
		"on 60 v100 ch1",
	}, ft.ons())
}

func TestGateReleasesBeforeNextStep(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	e.SetGateLength(0.5) // 62.5ms of a 125ms step
	press(e, 60)

	e.HandleTick(0, clk.Now())
	assert.Equal(t, []string{"on 60 v100 ch1"}, ft.events)

	clk.Advance(63 * time.Millisecond)
	assert.Equal(t, []string{"on 60 v100 ch1", "off 60"}, ft.events)
	assert.Empty(t, ft.ActiveNotes())
}

func TestChordSoundsAllEntriesAndReleasesTogether(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	e.SetPattern(PatternChord)
	e.SetGateLength(0.5)
	press(e, 60, 64, 67)

	e.HandleTick(0, clk.Now())
	assert.Len(t, ft.ons(), 3)
	assert.Len(t, ft.ActiveNotes(), 3)

	clk.Advance(63 * time.Millisecond)
	assert.Empty(t, ft.ActiveNotes(), "one batch releases all chord notes")
}

func TestSlidingWindowNotesPerStep(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	e.SetNotesPerStep(2)
	e.SetOverlap(true)
	press(e, 60, 64, 67)

	tick(e, clk, 13) // boundaries at 0, 6, 12
	assert.Equal(t, []string{
		"on 60 v100 ch1", "on 64 v100 ch1",
		"on 64 v100 ch1", "on 67 v100 ch1",
		"on 67 v100 ch1", "on 60 v100 ch1",
	}, ft.ons())
}

func TestJumpingWindowAdvancesByNotesPerStep(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	e.SetNotesPerStep(2)
	e.SetOverlap(false)
	press(e, 60, 64, 67)

	tick(e, clk, 13)
	assert.Equal(t, []string{
		"on 60 v100 ch1", "on 64 v100 ch1",
		"on 67 v100 ch1", "on 60 v100 ch1",
		"on 64 v100 ch1", "on 67 v100 ch1",
	}, ft.ons())
}

func TestSwingDelaysOddSteps(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	e.SetStrategy(timing.NewSwing(1.0))
	e.SetGateLength(1.0)
	press(e, 60, 64)

	e.HandleTick(0, clk.Now()) // even step: immediate
	assert.Len(t, ft.ons(), 1)

	clk.Advance(125 * time.Millisecond)
	e.HandleTick(6, clk.Now()) // odd step: delayed 62.5ms
	assert.Len(t, ft.ons(), 1)

	clk.Advance(63 * time.Millisecond)
	assert.Len(t, ft.ons(), 2)
}

func TestDisableFlushesEverything(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	e.SetStrategy(timing.NewSwing(1.0))
	e.SetGateLength(1.0)
	press(e, 60, 64, 67)

	e.HandleTick(0, clk.Now()) // 60 sounding
	clk.Advance(50 * time.Millisecond)
	e.HandleTick(6, clk.Now()) // 64 pending behind the swing delay, 60 still on

	e.SetEnabled(false)

	assert.Empty(t, ft.ActiveNotes(), "every sounding note force-released")
	clk.Advance(time.Second)
	assert.Len(t, ft.ons(), 1, "pending delayed note-on was canceled")
	assert.False(t, e.Enabled())
}

func TestRetriggerForcesPriorInstanceOff(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	e.SetGateLength(1.0)
	press(e, 60)

	e.HandleTick(0, clk.Now())
	e.HandleTick(0, clk.Now()) // same boundary again while 60 still sounds

	assert.Equal(t, []string{
		"on 60 v100 ch1",
		"off 60",
		"on 60 v100 ch1",
	}, ft.events)
	assert.Len(t, ft.ActiveNotes(), 1)

	clk.Advance(time.Second)
	assert.Empty(t, ft.ActiveNotes())
}

func TestProbabilityZeroSkipsButAdvances(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	e.SetGateProbability(0)
	press(e, 60, 64, 67)

	tick(e, clk, 13)
	assert.Empty(t, ft.ons())
	assert.Equal(t, 0, e.Snapshot().StepIndex, "three advances wrap the 3-note order")

	// Phase preserved: re-enabling sound resumes where the counter points.
	e.SetGateProbability(1)
	e.HandleTick(18, clk.Now())
	assert.Equal(t, []string{"on 60 v100 ch1"}, ft.ons())
}

func TestAccentBoostsEvenSteps(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	e.SetAccent(0.2)
	e.SetVelocityFn(func() uint8 { return 100 })
	press(e, 60, 64)

	tick(e, clk, 13)
	assert.Equal(t, []string{
		"on 60 v120 ch1",
		"on 64 v100 ch1",
		"on 60 v120 ch1",
	}, ft.ons())
}

func TestAccentVelocityClamped(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	e.SetAccent(1.0)
	e.SetVelocityFn(func() uint8 { return 120 })
	press(e, 60)

	e.HandleTick(0, clk.Now())
	assert.Equal(t, []string{"on 60 v127 ch1"}, ft.ons())
}

func TestRatchetsSubdivideStep(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	e.SetRatchets(4)
	e.SetGateLength(1.0)
	press(e, 60)

	e.HandleTick(0, clk.Now())
	assert.Len(t, ft.ons(), 1, "first repeat fires immediately")

	// Sub-slots of 31.25ms; each gate is clipped to 90% of its slot, so
	// every repeat releases before the next one fires.
	clk.Advance(125 * time.Millisecond)
	assert.Len(t, ft.ons(), 4)
	assert.Empty(t, ft.ActiveNotes())
}

func TestLiveChannelAndVelocityGetters(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	ch := uint8(1)
	e.SetChannelFn(func() uint8 { return ch })
	press(e, 60)

	e.HandleTick(0, clk.Now())
	ch = 5 // UI change takes effect on the next step
	e.HandleTick(6, clk.Now())

	assert.Equal(t, []string{"on 60 v100 ch1", "on 60 v100 ch5"}, ft.ons())
}

func TestMissingTransportSkipsStepButAdvances(t *testing.T) {
	e, _, clk := newTestEngine(t)
	e.SetTransport(nil)
	press(e, 60, 64, 67)

	e.HandleTick(0, clk.Now())
	assert.Equal(t, 1, e.Snapshot().StepIndex, "engine stays enabled and keeps phase")
	assert.True(t, e.Enabled())
}

func TestStepIndexClampedAfterRebuild(t *testing.T) {
	e, _, clk := newTestEngine(t)
	press(e, 60, 64, 67, 69)

	tick(e, clk, 13) // three boundaries: stepIndex now 3
	assert.Equal(t, 3, e.Snapshot().StepIndex)

	e.ReleaseNote(67)
	e.ReleaseNote(69)
	snap := e.Snapshot()
	assert.Less(t, snap.StepIndex, len(snap.NoteOrder))
}

func TestNoteOrderEmptyIffPressEmpty(t *testing.T) {
	e, _, _ := newTestEngine(t)

	assert.Empty(t, e.Snapshot().NoteOrder)
	press(e, 60)
	assert.NotEmpty(t, e.Snapshot().NoteOrder)
	e.ReleaseNote(60)
	snap := e.Snapshot()
	assert.Empty(t, snap.NoteOrder)
	assert.Empty(t, snap.HeldNotes)
	assert.Equal(t, 0, snap.StepIndex)
}

func TestDuplicatePressRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	press(e, 60, 60, 60)
	assert.Equal(t, []uint8{60}, e.Snapshot().HeldNotes)
}

func TestSettersClampSilently(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.SetDivisor(100)
	assert.Equal(t, 24, e.Snapshot().Divisor)
	e.SetDivisor(5)
	assert.Equal(t, 4, e.Snapshot().Divisor)
	e.SetDivisor(0)
	assert.Equal(t, 1, e.Snapshot().Divisor)

	e.SetGateLength(3)
	assert.Equal(t, 1.0, e.Snapshot().GateLength)
	e.SetGateLength(-1)
	assert.Equal(t, 0.0, e.Snapshot().GateLength)

	e.SetOctaveRange(0)
	assert.Equal(t, 1, e.Snapshot().OctaveRange)
	e.SetOctaveRange(9)
	assert.Equal(t, 4, e.Snapshot().OctaveRange)

	e.SetNotesPerStep(0)
	assert.Equal(t, 1, e.Snapshot().NotesPerStep)
}

func TestSnapshotIsACopy(t *testing.T) {
	e, _, _ := newTestEngine(t)
	press(e, 60, 64)

	snap := e.Snapshot()
	snap.NoteOrder[0] = 1
	snap.HeldNotes[0] = 1
	assert.Equal(t, []uint8{60, 64}, e.Snapshot().NoteOrder)
	assert.Equal(t, []uint8{60, 64}, e.Snapshot().HeldNotes)
}

func TestStepObserverFiresPerSoundedNote(t *testing.T) {
	e, _, clk := newTestEngine(t)
	var seen []string
	e.AddStepObserver(func(stepIndex int, note uint8) {
		seen = append(seen, fmt.Sprintf("%d:%d", stepIndex, note))
	})
	press(e, 60, 64)

	tick(e, clk, 7)
	assert.Equal(t, []string{"0:60", "1:64"}, seen)

	e.ClearListeners()
	tick(e, clk, 7)
	assert.Len(t, seen, 2)
}

func TestStateListenerNotified(t *testing.T) {
	e, _, _ := newTestEngine(t)
	n := 0
	e.AddStateListener(func() { n++ })

	e.SetGateLength(0.5)
	e.PressNote(60)
	e.PressNote(60) // rejected duplicate does not notify
	assert.Equal(t, 2, n)
}

func TestStrategyChangeAbortsPendingLookahead(t *testing.T) {
	e, ft, clk := newTestEngine(t)
	e.SetStrategy(timing.NewSwing(1.0))
	press(e, 60, 64)

	e.HandleTick(0, clk.Now())
	clk.Advance(125 * time.Millisecond)
	e.HandleTick(6, clk.Now()) // odd step pending behind the swing delay

	e.SetStrategy(timing.Straight{})
	clk.Advance(time.Second)
	assert.Len(t, ft.ons(), 1, "pending delayed note-on canceled by parameter change")
}

// Package timing holds the pluggable step-timing strategies. A strategy maps
// a step context to a playback delay and a gate duration; strategies are pure
// apart from their amount parameter (and, for humanize, a seed), so the same
// step context always yields the same result.
package timing

// Context describes the step a strategy is asked to time.
type Context struct {
	StepIndex      int     // position within the note order
	GlobalStep     int     // monotonically increasing step counter (never wraps)
	StepDurationMs float64 // length of one step window in milliseconds
	GateLength     float64 // 0..1 fraction of the step a note stays on
	Divisor        int
	NotesPerStep   int
	Overlap        bool
}

// Result is a strategy's answer: wait DelayMs before the note-on, hold the
// note for GateMs. GateMs is always within [0, StepDurationMs].
type Result struct {
	DelayMs float64
	GateMs  float64
}

// Strategy computes timing for a single step.
type Strategy interface {
	Apply(ctx Context) Result
	Name() string
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// clampGate keeps a gate inside [0, max].
func clampGate(gate, max float64) float64 {
	if gate < 0 {
		return 0
	}
	if gate > max {
		return max
	}
	return gate
}

// Straight plays every step on the grid with no deformation.
type Straight struct{}

func (Straight) Name() string { return "straight" }

func (Straight) Apply(ctx Context) Result {
	return Result{
		DelayMs: 0,
		GateMs:  clampGate(ctx.GateLength*ctx.StepDurationMs, ctx.StepDurationMs),
	}
}

// Groove delays every odd global step toward a target ratio of the step
// window. Swing, shuffle and dotted feels are the same transform with
// different ratios.
type Groove struct {
	name   string
	ratio  float64
	amount float64
}

// NewSwing returns a groove pushing odd steps toward halfway into the window.
func NewSwing(amount float64) *Groove {
	return &Groove{name: "swing", ratio: 0.5, amount: clamp01(amount)}
}

// NewShuffle returns a triplet-feel groove (odd steps toward 2/3).
func NewShuffle(amount float64) *Groove {
	return &Groove{name: "shuffle", ratio: 2.0 / 3.0, amount: clamp01(amount)}
}

// NewDotted returns a dotted-eighth feel (odd steps toward 3/4).
func NewDotted(amount float64) *Groove {
	return &Groove{name: "dotted", ratio: 0.75, amount: clamp01(amount)}
}

func (g *Groove) Name() string { return g.name }

func (g *Groove) Amount() float64 { return g.amount }

func (g *Groove) Apply(ctx Context) Result {
	d := ctx.StepDurationMs
	if ctx.GlobalStep%2 == 0 {
		return Result{DelayMs: 0, GateMs: clampGate(ctx.GateLength*d, d)}
	}

	delay := g.amount * g.ratio * d
	// Shrink the gate window so the release never crosses the next boundary.
	window := d - delay
	if window < 0 {
		window = 0
	}
	return Result{
		DelayMs: delay,
		GateMs:  clampGate(ctx.GateLength*d, window),
	}
}

// Humanize nudges each step by a deterministic pseudo-random offset in
// [-MaxMs, +MaxMs]. The offset is a pure function of (Seed, GlobalStep), so a
// generative performance replays identically from the same seed.
type Humanize struct {
	MaxMs float64
	Seed  uint64
}

func (Humanize) Name() string { return "humanize" }

func (h Humanize) Apply(ctx Context) Result {
	frac := mix(h.Seed, uint64(ctx.GlobalStep)) // [0, 1)
	delay := h.MaxMs * (2*frac - 1)
	return Result{
		DelayMs: delay,
		GateMs:  clampGate(ctx.GateLength*ctx.StepDurationMs, ctx.StepDurationMs),
	}
}

// mix is a splitmix64-style finalizer over seed and step, mapped to [0, 1).
func mix(seed, step uint64) float64 {
	z := seed + step*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return float64(z>>11) / float64(1<<53)
}

// Layered sums the delays of its children and takes the tightest gate.
// Composition is additive/intersective, never substitutive: a child can only
// push a note later (or earlier) and shorten it, not undo a sibling.
type Layered struct {
	children []Strategy
}

// NewLayered composes strategies. With no children it behaves as Straight.
func NewLayered(children ...Strategy) *Layered {
	return &Layered{children: children}
}

func (l *Layered) Name() string { return "layered" }

func (l *Layered) Apply(ctx Context) Result {
	if len(l.children) == 0 {
		return Straight{}.Apply(ctx)
	}

	d := ctx.StepDurationMs
	var delay float64
	gate := d
	for _, c := range l.children {
		r := c.Apply(ctx)
		delay += r.DelayMs
		if r.GateMs < gate {
			gate = r.GateMs
		}
	}

	// Total delay stays within one step window either side.
	if delay > d {
		delay = d
	}
	if delay < -d {
		delay = -d
	}

	return Result{DelayMs: delay, GateMs: clampGate(gate, d)}
}

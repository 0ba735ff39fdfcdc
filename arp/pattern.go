package arp

import (
	"math/rand"
	"sort"
)

// Pattern selects how the press order is transformed into the note order.
type Pattern int

const (
	PatternTimeline Pattern = iota // raw press order
	PatternUp
	PatternDown
	PatternUpDown
	PatternDownUp
	PatternRandom
	PatternChord
	PatternStackedChord
)

var patternNames = []string{
	"timeline", "up", "down", "up-down", "down-up", "random", "chord", "stacked",
}

func (p Pattern) String() string {
	if p < 0 || int(p) >= len(patternNames) {
		return "unknown"
	}
	return patternNames[p]
}

// IsChord reports whether every note-order entry sounds on each step.
func (p Pattern) IsChord() bool {
	return p == PatternChord || p == PatternStackedChord
}

// Next cycles to the following pattern, wrapping after the last one.
func (p Pattern) Next() Pattern {
	return (p + 1) % Pattern(len(patternNames))
}

// ParsePattern maps a config name to its Pattern. Unknown names report false.
func ParsePattern(name string) (Pattern, bool) {
	for i, s := range patternNames {
		if s == name {
			return Pattern(i), true
		}
	}
	return PatternUp, false
}

// buildNoteOrder recomputes the note order from scratch. It is never patched
// incrementally, so it cannot desynchronize from its inputs. Returns an empty
// order exactly when press is empty.
func buildNoteOrder(press []uint8, p Pattern, octaves int, rng *rand.Rand) []uint8 {
	if len(press) == 0 {
		return nil
	}

	if p == PatternStackedChord {
		return stackChord(press)
	}

	expanded := expandOctaves(press, octaves)

	switch p {
	case PatternTimeline, PatternChord:
		return expanded
	case PatternUp:
		sortNotes(expanded, false)
		return expanded
	case PatternDown:
		sortNotes(expanded, true)
		return expanded
	case PatternUpDown:
		sortNotes(expanded, false)
		return pendulum(expanded)
	case PatternDownUp:
		sortNotes(expanded, true)
		return pendulum(expanded)
	case PatternRandom:
		rng.Shuffle(len(expanded), func(i, j int) {
			expanded[i], expanded[j] = expanded[j], expanded[i]
		})
		return expanded
	default:
		return expanded
	}
}

// expandOctaves repeats the press order shifted up an octave per range step.
// Notes pushed past the MIDI range are dropped.
func expandOctaves(press []uint8, octaves int) []uint8 {
	out := make([]uint8, 0, len(press)*octaves)
	for o := 0; o < octaves; o++ {
		for _, n := range press {
			v := int(n) + 12*o
			if v > 127 {
				continue
			}
			out = append(out, uint8(v))
		}
	}
	return out
}

// pendulum traverses the sequence fully, then walks back excluding both
// endpoints so the turnaround never doubles a note: [60 64 67] -> [60 64 67 64].
func pendulum(notes []uint8) []uint8 {
	if len(notes) <= 2 {
		return notes
	}
	out := make([]uint8, 0, 2*len(notes)-2)
	out = append(out, notes...)
	for i := len(notes) - 2; i >= 1; i-- {
		out = append(out, notes[i])
	}
	return out
}

// stackChord layers every held note at -12/0/+12 semitones, de-duplicated in
// first-seen order and clamped to the MIDI range.
func stackChord(press []uint8) []uint8 {
	seen := make(map[uint8]bool, len(press)*3)
	out := make([]uint8, 0, len(press)*3)
	for _, offset := range []int{-12, 0, 12} {
		for _, n := range press {
			v := int(n) + offset
			if v < 0 {
				v = 0
			}
			if v > 127 {
				v = 127
			}
			nv := uint8(v)
			if !seen[nv] {
				seen[nv] = true
				out = append(out, nv)
			}
		}
	}
	return out
}

func sortNotes(notes []uint8, descending bool) {
	sort.Slice(notes, func(i, j int) bool {
		if descending {
			return notes[i] > notes[j]
		}
		return notes[i] < notes[j]
	})
}

// Package tui is the terminal front panel: clock and arpeggiator state plus
// key bindings for holding notes and tweaking parameters. The engines run on
// MIDI input; the TUI only observes and pokes them.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/bep/debounce"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"go-arp/arp"
	"go-arp/clock"
	"go-arp/theme"
	"go-arp/timing"
)

// noteKeys maps a piano-style key row to semitones above middle C.
var noteKeys = map[string]uint8{
	"z": 60, "s": 61, "x": 62, "d": 63, "c": 64, "v": 65, "g": 66,
	"b": 67, "h": 68, "n": 69, "j": 70, "m": 71, ",": 72,
}

var noteNames = []string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

func noteName(n uint8) string {
	return fmt.Sprintf("%s%d", noteNames[n%12], int(n)/12-1)
}

type Model struct {
	Clock *clock.Engine
	Arp   *arp.Engine

	theme    *theme.Theme
	updates  chan struct{}
	swing    float64
	strategy int
	quitting bool
}

type UpdateMsg struct{}

// strategies the t key cycles through; swing amount comes from config.
var strategyNames = []string{"straight", "swing", "shuffle", "dotted", "humanize", "swing+humanize"}

func NewModel(clk *clock.Engine, eng *arp.Engine, th *theme.Theme, swingAmount float64) Model {
	m := Model{
		Clock:   clk,
		Arp:     eng,
		theme:   th,
		updates: make(chan struct{}, 1),
		swing:   swingAmount,
	}

	// Engine callbacks arrive per tick and per note; coalesce them to a
	// sane refresh rate before waking the program.
	deb := debounce.New(time.Second / 30)
	notify := func() {
		deb(func() {
			select {
			case m.updates <- struct{}{}:
			default:
			}
		})
	}
	eng.AddStateListener(notify)
	eng.AddStepObserver(func(int, uint8) { notify() })
	clk.AddListener(clock.Listener{
		OnQuarter:  func(int) { notify() },
		OnStart:    func() { notify() },
		OnStop:     func() { notify() },
		OnSyncLost: func() { notify() },
	})

	return m
}

func listenForUpdates(updates chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-updates
		return UpdateMsg{}
	}
}

func (m Model) Init() tea.Cmd {
	return listenForUpdates(m.updates)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "q", "ctrl+c":
			m.quitting = true
			m.Arp.SetEnabled(false)
			return m, tea.Quit

		case " ":
			m.Arp.SetEnabled(!m.Arp.Enabled())

		case "p":
			m.Arp.SetPattern(m.Arp.Pattern().Next())

		case "+", "=":
			m.Arp.SetDivisor(m.Arp.Snapshot().Divisor * 2)

		case "-", "_":
			m.Arp.SetDivisor(m.Arp.Snapshot().Divisor / 2)

		case "[":
			m.Arp.SetGateLength(m.Arp.Snapshot().GateLength - 0.1)

		case "]":
			m.Arp.SetGateLength(m.Arp.Snapshot().GateLength + 0.1)

		case "o":
			m.Arp.SetOctaveRange(m.Arp.Snapshot().OctaveRange + 1)

		case "O":
			m.Arp.SetOctaveRange(m.Arp.Snapshot().OctaveRange - 1)

		case "t":
			m.strategy = (m.strategy + 1) % len(strategyNames)
			m.Arp.SetStrategy(m.buildStrategy())

		case "esc":
			m.Arp.ClearNotes()

		default:
			if note, ok := noteKeys[key]; ok {
				// Terminals report no key-up, so note keys toggle.
				if m.Arp.Held(note) {
					m.Arp.ReleaseNote(note)
				} else {
					m.Arp.PressNote(note)
				}
			}
		}

	case UpdateMsg:
		return m, listenForUpdates(m.updates)
	}

	return m, nil
}

func (m Model) buildStrategy() timing.Strategy {
	switch strategyNames[m.strategy] {
	case "swing":
		return timing.NewSwing(m.swing)
	case "shuffle":
		return timing.NewShuffle(m.swing)
	case "dotted":
		return timing.NewDotted(m.swing)
	case "humanize":
		return timing.Humanize{MaxMs: 8, Seed: 1}
	case "swing+humanize":
		return timing.NewLayered(timing.NewSwing(m.swing), timing.Humanize{MaxMs: 8, Seed: 1})
	default:
		return timing.Straight{}
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	cs := m.Clock.Snapshot()
	as := m.Arp.Snapshot()

	headerStyle := lipgloss.NewStyle().Foreground(m.theme.Accent()).Bold(true)
	dimStyle := lipgloss.NewStyle().Foreground(m.theme.Muted())
	onStyle := lipgloss.NewStyle().Foreground(m.theme.Active())

	sync := lipgloss.NewStyle().Foreground(m.theme.Warning()).Render("----")
	if cs.Running {
		sync = "SYNC"
	}
	armed := "off"
	if as.Enabled {
		armed = "ON"
	}

	header := headerStyle.Render(fmt.Sprintf(
		"go-arp  %s  %5.1fbpm  tick:%05d  arp:%s", sync, cs.BPM, cs.TickCount, armed))

	params := fmt.Sprintf("pattern:%s  1/%d  gate:%.1f  oct:%d  feel:%s",
		as.Pattern, as.Divisor*4, as.GateLength, as.OctaveRange, strategyNames[m.strategy])

	var held []string
	for _, n := range as.HeldNotes {
		held = append(held, noteName(n))
	}
	heldLine := "held: " + strings.Join(held, " ")

	var order []string
	for i, n := range as.NoteOrder {
		name := noteName(n)
		if i == as.StepIndex {
			name = onStyle.Render(name)
		}
		order = append(order, name)
	}
	orderLine := "order: " + strings.Join(order, " ")

	help := dimStyle.Render("zsxdcvgbhnjm:notes  space:arp  p:pattern  t:feel  +/-:rate  [/]:gate  o/O:oct  esc:clear  q:quit")

	var out strings.Builder
	out.WriteString("\n")
	out.WriteString(header)
	out.WriteString("\n\n")
	out.WriteString(params)
	out.WriteString("\n")
	out.WriteString(heldLine)
	out.WriteString("\n")
	out.WriteString(orderLine)
	out.WriteString("\n\n")
	out.WriteString(help)

	return out.String()
}

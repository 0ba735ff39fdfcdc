// Package midi wires the engines to real MIDI ports through gomidi.
package midi

import (
	"fmt"
	"sync"

	gomidi "gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register MIDI driver

	"go-arp/debug"
)

// Output sends note events to one MIDI out port. It tracks the active-note
// set so stopping an already-off note is harmless and shutdown can silence
// everything that is still sounding.
type Output struct {
	mu       sync.Mutex
	portName string
	send     func(gomidi.Message) error
	active   map[uint16]bool
}

// OpenOutput opens the named out port, or the first available port when name
// is empty.
func OpenOutput(name string) (*Output, error) {
	ports := gomidi.GetOutPorts()
	if len(ports) == 0 {
		return nil, fmt.Errorf("no MIDI out ports available")
	}

	for _, port := range ports {
		if name != "" && port.String() != name {
			continue
		}
		send, err := gomidi.SendTo(port)
		if err != nil {
			return nil, fmt.Errorf("open out port %q: %w", port.String(), err)
		}
		debug.Log("midi", "out port opened: %s", port.String())
		return &Output{
			portName: port.String(),
			send:     send,
			active:   make(map[uint16]bool),
		}, nil
	}
	return nil, fmt.Errorf("out port %q not found", name)
}

// PortName returns the opened port's name.
func (o *Output) PortName() string {
	return o.portName
}

// PlayNote sends a note-on. channel is 1..16.
func (o *Output) PlayNote(note, velocity, channel uint8) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.send == nil {
		return fmt.Errorf("output closed")
	}
	if err := o.send(gomidi.NoteOn(wireChannel(channel), note, velocity)); err != nil {
		return err
	}
	o.active[noteKey(note, channel)] = true
	return nil
}

// StopNote sends a note-off. Calls on already-off notes are tolerated.
func (o *Output) StopNote(note, velocity, channel uint8) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.send == nil {
		return fmt.Errorf("output closed")
	}
	delete(o.active, noteKey(note, channel))
	return o.send(gomidi.NoteOff(wireChannel(channel), note))
}

// ActiveNotes returns the notes currently sounding on any channel.
func (o *Output) ActiveNotes() []uint8 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []uint8
	for k := range o.active {
		out = append(out, uint8(k))
	}
	return out
}

// Silence force-releases everything still sounding.
func (o *Output) Silence() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.send == nil {
		return
	}
	for k := range o.active {
		o.send(gomidi.NoteOff(wireChannel(uint8(k>>8)), uint8(k)))
	}
	o.active = make(map[uint16]bool)
}

// Close silences and releases the port sender.
func (o *Output) Close() {
	o.Silence()
	o.mu.Lock()
	o.send = nil
	o.mu.Unlock()
}

func noteKey(note, channel uint8) uint16 {
	return uint16(note) | uint16(channel)<<8
}

// wireChannel maps the musician-facing 1..16 to the 0..15 wire encoding.
func wireChannel(ch uint8) uint8 {
	if ch < 1 {
		ch = 1
	}
	if ch > 16 {
		ch = 16
	}
	return ch - 1
}

package midi

import (
	gomidi "gitlab.com/gomidi/midi/v2"
)

// InPorts lists the names of available MIDI in ports.
func InPorts() []string {
	var out []string
	for _, p := range gomidi.GetInPorts() {
		out = append(out, p.String())
	}
	return out
}

// OutPorts lists the names of available MIDI out ports.
func OutPorts() []string {
	var out []string
	for _, p := range gomidi.GetOutPorts() {
		out = append(out, p.String())
	}
	return out
}

// CloseDriver releases the MIDI driver. Call once on shutdown.
func CloseDriver() {
	gomidi.CloseDriver()
}

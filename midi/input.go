package midi

import (
	"fmt"

	gomidi "gitlab.com/gomidi/midi/v2"

	"go-arp/arp"
	"go-arp/clock"
	"go-arp/debug"
)

// Listen opens the named in port (or the first available when name is empty)
// and routes its traffic: realtime clock/transport messages to the tick
// engine, note on/off to the arpeggiator's press order. The returned stop
// function detaches the listener.
func Listen(name string, clk *clock.Engine, eng *arp.Engine) (stop func(), err error) {
	ports := gomidi.GetInPorts()
	if len(ports) == 0 {
		return nil, fmt.Errorf("no MIDI in ports available")
	}

	for _, port := range ports {
		if name != "" && port.String() != name {
			continue
		}
		stop, err := gomidi.ListenTo(port, func(msg gomidi.Message, timestampms int32) {
			route(msg, clk, eng)
		})
		if err != nil {
			return nil, fmt.Errorf("open in port %q: %w", port.String(), err)
		}
		debug.Log("midi", "in port opened: %s", port.String())
		return stop, nil
	}
	return nil, fmt.Errorf("in port %q not found", name)
}

func route(msg gomidi.Message, clk *clock.Engine, eng *arp.Engine) {
	var ch, key, vel uint8
	switch {
	case msg.Is(gomidi.TimingClockMsg):
		clk.OnPulse()
	case msg.Is(gomidi.StartMsg):
		clk.OnStart()
	case msg.Is(gomidi.StopMsg):
		clk.OnStop()
	case msg.Is(gomidi.ContinueMsg):
		clk.OnContinue()
	case msg.GetNoteStart(&ch, &key, &vel):
		eng.PressNote(key)
	case msg.GetNoteEnd(&ch, &key):
		eng.ReleaseNote(key)
	default:
		// ignore
	}
}

package cmd

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"go-arp/arp"
	"go-arp/clock"
	"go-arp/config"
	"go-arp/debug"
	"go-arp/midi"
	"go-arp/sched"
	"go-arp/theme"
	"go-arp/timing"
	"go-arp/tui"
)

var (
	inPortFlag  string
	outPortFlag string
	channelFlag int
	paletteFlag string
)

func init() {
	rootCmd.Flags().StringVar(&inPortFlag, "in", "", "MIDI in port name (default: first available)")
	rootCmd.Flags().StringVar(&outPortFlag, "out", "", "MIDI out port name (default: first available)")
	rootCmd.Flags().IntVar(&channelFlag, "channel", 0, "MIDI out channel 1-16 (default: from config)")
	rootCmd.Flags().StringVar(&paletteFlag, "palette", "", "GIMP palette file for the UI colors")
}

func runArp() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if inPortFlag != "" {
		cfg.InPort = inPortFlag
	}
	if outPortFlag != "" {
		cfg.OutPort = outPortFlag
	}
	if channelFlag >= 1 && channelFlag <= 16 {
		cfg.Channel = channelFlag
	}

	palette := theme.Default()
	if paletteFlag != "" {
		palette, err = theme.LoadGPL(paletteFlag)
		if err != nil {
			return fmt.Errorf("load palette: %w", err)
		}
	}
	th := theme.New(palette)

	out, err := midi.OpenOutput(cfg.OutPort)
	if err != nil {
		return err
	}
	defer out.Close()
	defer midi.CloseDriver()

	scheduler := sched.New()
	defer scheduler.Clear()

	clk := clock.New()
	eng := arp.New(scheduler)
	eng.SetTransport(out)
	eng.SetBPMFn(clk.BPM)
	eng.SetChannelFn(func() uint8 { return uint8(cfg.Channel) })
	eng.SetVelocityFn(func() uint8 { return uint8(cfg.Velocity) })
	applyConfig(eng, cfg)
	clk.AddListener(eng.ClockListener())

	stop, err := midi.Listen(cfg.InPort, clk, eng)
	if err != nil {
		return err
	}
	defer stop()

	eng.SetEnabled(true)
	debug.Log("main", "running: in=%q out=%q channel=%d", cfg.InPort, out.PortName(), cfg.Channel)

	m := tui.NewModel(clk, eng, th, cfg.SwingAmount)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}

	eng.SetEnabled(false)
	out.Silence()
	return cfg.Save()
}

func applyConfig(eng *arp.Engine, cfg *config.Config) {
	if p, ok := arp.ParsePattern(cfg.Pattern); ok {
		eng.SetPattern(p)
	}
	eng.SetDivisor(cfg.Divisor)
	eng.SetGateLength(cfg.GateLength)
	eng.SetOctaveRange(cfg.OctaveRange)
	eng.SetStrategy(configStrategy(cfg))
}

func configStrategy(cfg *config.Config) timing.Strategy {
	var parts []timing.Strategy
	switch cfg.Strategy {
	case "swing":
		parts = append(parts, timing.NewSwing(cfg.SwingAmount))
	case "shuffle":
		parts = append(parts, timing.NewShuffle(cfg.SwingAmount))
	case "dotted":
		parts = append(parts, timing.NewDotted(cfg.SwingAmount))
	}
	if cfg.HumanizeMs > 0 {
		parts = append(parts, timing.Humanize{MaxMs: cfg.HumanizeMs, Seed: 1})
	}
	switch len(parts) {
	case 0:
		return timing.Straight{}
	case 1:
		return parts[0]
	default:
		return timing.NewLayered(parts...)
	}
}

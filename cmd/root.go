package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go-arp/debug"
)

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:   "go-arp",
	Short: "MIDI arpeggiator synced to external clock",
	Long: `go-arp listens to a MIDI in port for clock and notes, arpeggiates the
held notes, and sends the result to a MIDI out port. Run with no
subcommand to start the arpeggiator.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugFlag {
			if err := debug.Enable(); err != nil {
				fmt.Fprintf(os.Stderr, "debug log unavailable: %v\n", err)
			}
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runArp()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "write a debug log to ~/.config/go-arp/debug.log")
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go-arp/midi"
)

func init() {
	rootCmd.AddCommand(portsCmd)
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List available MIDI ports",
	Run: func(cmd *cobra.Command, args []string) {
		defer midi.CloseDriver()

		fmt.Println("in ports:")
		for _, name := range midi.InPorts() {
			fmt.Printf("  %s\n", name)
		}
		fmt.Println("out ports:")
		for _, name := range midi.OutPorts() {
			fmt.Printf("  %s\n", name)
		}
	},
}

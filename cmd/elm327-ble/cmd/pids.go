package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chaz8081/elm327-ble/internal/elm327/protocol"
)

func init() {
	rootCmd.AddCommand(pidsCmd)
}

var pidsCmd = &cobra.Command{
	Use:   "pids",
	Short: "list the sensor types usable in sensors[].type",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		bold := color.New(color.Bold).SprintfFunc()
		cyan := color.New(color.FgCyan).SprintfFunc()

		fmt.Println(bold("%-6s %-22s %-28s %s", "PID", "TYPE", "NAME", "UNIT"))
		for _, d := range protocol.StandardPIDs() {
			fmt.Printf("%-6s %s %-28s %s\n", fmt.Sprintf("01%02X", d.PID), cyan("%-22s", d.Key), d.Name, d.Unit)
		}
		b := protocol.BatteryVoltage
		fmt.Printf("%-6s %s %-28s %s\n", "ATRV", cyan("%-22s", b.Key), b.Name, b.Unit)
	},
}

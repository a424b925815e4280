package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chaz8081/elm327-ble/internal/ble"
)

const flagTimeout = "timeout"

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().DurationP(flagTimeout, "t", 10*time.Second, "how long to scan")
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "list nearby ELM327 BLE adapters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration(flagTimeout)

		fmt.Printf("Scanning for %s...\n", timeout)
		devices, err := ble.ScanForDevices(cmd.Context(), ble.NewTinyGoAdapter(), cfg.BLE.ServiceUUID, timeout)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No adapters found. Is the adapter plugged in and the ignition on?")
			return nil
		}

		bold := color.New(color.Bold).SprintfFunc()
		green := color.New(color.FgGreen).SprintfFunc()
		fmt.Println(bold("%-40s %-24s %s", "ADDRESS", "NAME", "RSSI"))
		for _, d := range devices {
			name := d.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("%s %-24s %d\n", green("%-40s", d.Address), name, d.RSSI)
		}
		fmt.Println("\nSet ble.device_address in the config, or pass --address to run.")
		return nil
	},
}

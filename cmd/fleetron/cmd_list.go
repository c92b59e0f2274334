package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetron-lab/fleetron/pkg/cli"
)

var (
	listFull bool
	listJSON bool
	listWait time.Duration
)

var listDevicesCmd = &cobra.Command{
	Use:   "list-devices",
	Short: "List the current device fleet",
	Long: `List the current device fleet.

Starts the manager, waits briefly for bridge discovery, and renders the
fleet sorted by mode then serial.

Examples:
  fleetron list-devices
  fleetron list-devices --full
  fleetron list-devices --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		mgr := newManager(ctx)
		if err := mgr.Init(ctx); err != nil {
			return err
		}
		defer mgr.Terminate()

		// Give discovery a moment; first device online ends the wait early.
		select {
		case <-mgr.FirstDeviceSeen():
			// The probe needs a beat to finish before states settle.
			time.Sleep(time.Second)
		case <-time.After(listWait):
		}

		descs := mgr.ListDevices(listFull)
		if listJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(descs)
		}

		headers := []string{"Serial", "State", "Allocation"}
		if listFull {
			headers = append(headers, "Product", "Variant", "Build", "Battery", "Class")
		}
		table := cli.NewTable(os.Stdout, headers...)
		for _, d := range descs {
			row := []string{d.Serial, d.ModeName, d.StateName}
			if listFull {
				battery := "n/a"
				if d.Battery >= 0 {
					battery = fmt.Sprintf("%d%%", d.Battery)
				}
				row = append(row, d.Product, d.Variant, d.BuildID, battery, d.KindName)
			}
			table.Row(row...)
		}
		table.Flush()
		if len(descs) == 0 {
			fmt.Println("no devices")
		}
		return nil
	},
}

func init() {
	listDevicesCmd.Flags().BoolVar(&listFull, "full", false, "include device class column and full descriptors")
	listDevicesCmd.Flags().BoolVar(&listJSON, "json", false, "JSON output")
	listDevicesCmd.Flags().DurationVar(&listWait, "wait", 5*time.Second, "how long to wait for discovery")
	rootCmd.AddCommand(listDevicesCmd)
}

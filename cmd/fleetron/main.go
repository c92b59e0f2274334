// Fleetron - device fleet manager for Android-style test targets
//
// A host-side daemon core that discovers, tracks, allocates and recovers a
// heterogeneous pool of attached and virtual test devices. This binary is
// the operator surface:
//
//	fleetron list-devices [--full] [--json]   current fleet table
//	fleetron journal [--serial S] [--since D] allocation event history
//	fleetron version                          build info
//
// The allocation API itself is consumed as a library by the enclosing test
// runner; see pkg/fleet.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetron-lab/fleetron/pkg/adb"
	"github.com/fleetron-lab/fleetron/pkg/config"
	"github.com/fleetron-lab/fleetron/pkg/fastboot"
	"github.com/fleetron-lab/fleetron/pkg/fleet"
	"github.com/fleetron-lab/fleetron/pkg/usb"
	"github.com/fleetron-lab/fleetron/pkg/util"
	"github.com/fleetron-lab/fleetron/pkg/version"
)

var (
	configPath string
	verbose    bool

	opts *config.Options
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "fleetron",
	Short:             "Device fleet manager",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Fleetron manages a fleet of attached and virtual test devices:
discovery through the debug bridge and the fastboot tool, allocation
against selection criteria, readiness probing, and recovery.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			util.SetLogLevel("debug")
		}
		var err error
		if configPath != "" {
			opts, err = config.LoadFrom(configPath)
		} else {
			opts, err = config.Load()
		}
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.fleetron/fleetron.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(versionCmd)
}

// newManager wires the production collaborators from the loaded options.
// The fastboot tool only rides along when the binary answers; the manager
// runs without low-level polling otherwise.
func newManager(ctx context.Context) *fleet.Manager {
	bridge := fleet.NewAdbBridge(adb.NewClient("", opts.AdbPath))
	mgr := fleet.NewManager(opts, bridge)

	if helper := fastboot.NewHelper(opts.FastbootPath); helper.Available(ctx) {
		mgr.Tool = helper
	}

	bus := usb.NewBus()
	mgr.USBReset = func(serial string) error {
		dev, err := bus.Find(serial)
		if err != nil {
			return err
		}
		return dev.Reset()
	}
	return mgr
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Info())
	},
}

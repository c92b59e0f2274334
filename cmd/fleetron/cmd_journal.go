package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetron-lab/fleetron/pkg/cli"
	"github.com/fleetron-lab/fleetron/pkg/journal"
	"github.com/fleetron-lab/fleetron/pkg/util"
)

var (
	journalSerial string
	journalSince  time.Duration
	journalLimit  int
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the allocation event journal",
	Long: `Query the allocation event journal.

Requires journal-dir to be set in the config.

Examples:
  fleetron journal
  fleetron journal --serial ABC123
  fleetron journal --since 2h --limit 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if opts.JournalDir == "" {
			return util.NewConfigError("journal-dir", "not set, journal is disabled")
		}
		writer, err := journal.NewWriter(opts.JournalDir+"/allocations.jsonl", journal.RotationConfig{})
		if err != nil {
			return err
		}
		defer writer.Close()

		filter := journal.Filter{
			Serial: journalSerial,
			Limit:  journalLimit,
		}
		if journalSince > 0 {
			filter.Since = time.Now().Add(-journalSince)
		}
		events, err := writer.Query(filter)
		if err != nil {
			return err
		}

		table := cli.NewTable(os.Stdout, "Time", "Serial", "Event", "From", "To")
		for _, e := range events {
			table.Row(e.Timestamp.Format(time.RFC3339), e.Serial, e.Event, e.From, e.To)
		}
		table.Flush()
		if len(events) == 0 {
			fmt.Println("no matching events")
		}
		return nil
	},
}

func init() {
	journalCmd.Flags().StringVar(&journalSerial, "serial", "", "filter by device serial")
	journalCmd.Flags().DurationVar(&journalSince, "since", 0, "only events newer than this age (e.g. 2h)")
	journalCmd.Flags().IntVar(&journalLimit, "limit", 0, "cap the number of events shown")
	rootCmd.AddCommand(journalCmd)
}

package cmd

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/taskhub/cli/pkg/output"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show notification service counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := newClient(cfg.NotificationURL).Stats(commandContext(cmd))
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		return printer(cmd).Print(stats, func() *output.Table {
			types := make([]string, 0, len(stats.ByType))
			for t := range stats.ByType {
				types = append(types, t)
			}
			sort.Strings(types)

			table := output.NewTable("EVENT TYPE", "PROCESSED")
			for _, t := range types {
				table.AddRow(t, strconv.FormatInt(stats.ByType[t], 10))
			}
			table.AddRow("total", strconv.FormatInt(stats.ProcessedEvents, 10))
			table.AddRow("status", stats.Status)
			return table
		})
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

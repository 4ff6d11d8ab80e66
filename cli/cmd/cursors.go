package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/taskhub/cli/pkg/output"
)

var cursorsCmd = &cobra.Command{
	Use:   "cursors",
	Short: "Show committed consumer positions",
	Long:  "List the committed offset of every topic partition the notification service consumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetString("group")

		cursors, err := newClient(cfg.NotificationURL).ListCursors(commandContext(cmd), group)
		if err != nil {
			return fmt.Errorf("failed to list cursors: %w", err)
		}

		return printer(cmd).Print(cursors, func() *output.Table {
			table := output.NewTable("TOPIC", "PARTITION", "COMMITTED", "UPDATED")
			for _, c := range cursors.Items {
				table.AddRow(c.Topic, strconv.Itoa(c.Partition), strconv.FormatInt(c.Committed, 10), formatTime(c.UpdatedAt))
			}
			return table
		})
	},
}

func init() {
	rootCmd.AddCommand(cursorsCmd)
	cursorsCmd.Flags().String("group", "", "consumer group (default: the service's own group)")
}

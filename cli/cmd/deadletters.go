package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/taskhub/cli/pkg/output"
)

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "Dead letter commands",
	Long:    "Inspect and replay events the notification service gave up on",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		list, err := newClient(cfg.NotificationURL).ListDeadLetters(commandContext(cmd), limit, offset)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		return printer(cmd).Print(list, func() *output.Table {
			table := output.NewTable("ID", "TOPIC", "PARTITION", "OFFSET", "TYPE", "REASON", "REPLAYED")
			for _, dl := range list.Items {
				table.AddRow(dl.ID, dl.Topic, strconv.Itoa(dl.Partition), strconv.FormatInt(dl.Offset, 10),
					dl.EventType, dl.Reason, formatTimePtr(dl.ReplayedAt))
			}
			return table
		})
	},
}

var deadLettersGetCmd = &cobra.Command{
	Use:   "get [dead-letter-id]",
	Short: "Show a dead letter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dl, err := newClient(cfg.NotificationURL).GetDeadLetter(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("failed to get dead letter: %w", err)
		}

		return printer(cmd).Print(dl, func() *output.Table {
			table := output.NewTable("FIELD", "VALUE")
			table.AddRow("ID", dl.ID)
			table.AddRow("Group", dl.Group)
			table.AddRow("Topic", dl.Topic)
			table.AddRow("Partition", strconv.Itoa(dl.Partition))
			table.AddRow("Offset", strconv.FormatInt(dl.Offset, 10))
			table.AddRow("Key", dl.Key)
			table.AddRow("Event ID", dl.EventID)
			table.AddRow("Event type", dl.EventType)
			table.AddRow("Reason", dl.Reason)
			table.AddRow("Deliveries", strconv.Itoa(dl.Deliveries))
			table.AddRow("Last error", dl.LastError)
			table.AddRow("Created", formatTime(dl.CreatedAt))
			table.AddRow("Replayed", formatTimePtr(dl.ReplayedAt))
			table.AddRow("Raw", dl.Raw)
			return table
		})
	},
}

var deadLettersReplayCmd = &cobra.Command{
	Use:   "replay [dead-letter-id]",
	Short: "Re-publish a dead letter to its original topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		replay, err := newClient(cfg.NotificationURL).ReplayDeadLetter(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("failed to replay dead letter: %w", err)
		}
		p := printer(cmd)
		if p.Format() != output.FormatTable {
			return p.Print(replay, nil)
		}
		p.Success("Dead letter %s re-published to %s partition %d at offset %d",
			replay.ID, replay.Topic, replay.Partition, replay.Offset)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deadLettersCmd)
	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersGetCmd)
	deadLettersCmd.AddCommand(deadLettersReplayCmd)

	deadLettersListCmd.Flags().Int("limit", 50, "maximum dead letters to list")
	deadLettersListCmd.Flags().Int("offset", 0, "dead letters to skip")
}

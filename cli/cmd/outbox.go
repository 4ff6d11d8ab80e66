package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/taskhub/cli/internal/client"
	"github.com/telhawk-systems/taskhub/cli/pkg/output"
	"github.com/telhawk-systems/taskhub/common/operator"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Outbox commands",
	Long:  "Inspect and replay outbox records that exhausted their publish attempts",
}

var outboxFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List failed outbox records",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := outboxClient(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		list, err := c.ListFailedOutbox(commandContext(cmd), limit, offset)
		if err != nil {
			return fmt.Errorf("failed to list outbox records: %w", err)
		}

		return printer(cmd).Print(list, func() *output.Table {
			table := output.NewTable("ID", "TYPE", "KEY", "ATTEMPTS", "FAILED", "LAST ERROR")
			for _, rec := range list.Items {
				table.AddRow(rec.ID, rec.EventType, rec.PartitionKey, strconv.Itoa(rec.AttemptCount), formatTimePtr(rec.FailedAt), rec.LastError)
			}
			return table
		})
	},
}

var outboxGetCmd = &cobra.Command{
	Use:   "get [record-id]",
	Short: "Show an outbox record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := outboxClient(cmd)
		if err != nil {
			return err
		}
		rec, err := c.GetOutbox(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("failed to get outbox record: %w", err)
		}
		return printOutboxRecord(cmd, rec)
	},
}

var outboxReplayCmd = &cobra.Command{
	Use:   "replay [record-id]",
	Short: "Return a failed outbox record to the publish queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := outboxClient(cmd)
		if err != nil {
			return err
		}
		rec, err := c.ReplayOutbox(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("failed to replay outbox record: %w", err)
		}
		p := printer(cmd)
		if p.Format() != output.FormatTable {
			return p.Print(rec, nil)
		}
		p.Success("Outbox record %s queued for publishing", rec.ID)
		return nil
	},
}

func outboxClient(cmd *cobra.Command) (*client.Client, error) {
	service, _ := cmd.Flags().GetString("service")
	baseURL, err := cfg.ServiceURL(service)
	if err != nil {
		return nil, err
	}
	return newClient(baseURL), nil
}

func printOutboxRecord(cmd *cobra.Command, rec *operator.OutboxRecord) error {
	return printer(cmd).Print(rec, func() *output.Table {
		table := output.NewTable("FIELD", "VALUE")
		table.AddRow("ID", rec.ID)
		table.AddRow("Type", rec.EventType)
		table.AddRow("Topic", rec.Topic)
		table.AddRow("Key", rec.PartitionKey)
		table.AddRow("Status", rec.Status)
		table.AddRow("Attempts", strconv.Itoa(rec.AttemptCount))
		table.AddRow("Last error", rec.LastError)
		table.AddRow("Created", formatTime(rec.CreatedAt))
		table.AddRow("Failed", formatTimePtr(rec.FailedAt))
		table.AddRow("Published", formatTimePtr(rec.PublishedAt))
		return table
	})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func init() {
	rootCmd.AddCommand(outboxCmd)
	outboxCmd.AddCommand(outboxFailedCmd)
	outboxCmd.AddCommand(outboxGetCmd)
	outboxCmd.AddCommand(outboxReplayCmd)

	outboxCmd.PersistentFlags().String("service", "user", "producing service: user or task")
	outboxFailedCmd.Flags().Int("limit", 50, "maximum records to list")
	outboxFailedCmd.Flags().Int("offset", 0, "records to skip")
}

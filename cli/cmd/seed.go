package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/taskhub/cli/internal/seeder"
	"github.com/telhawk-systems/taskhub/cli/pkg/output"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create fake users and tasks",
	Long: `Create fake users and tasks through the user and task service APIs.

Each created entity emits an event through the outbox, so seeding is a quick
way to drive traffic into the notification service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		users, _ := cmd.Flags().GetInt("users")
		tasks, _ := cmd.Flags().GetInt("tasks")
		seed, _ := cmd.Flags().GetInt64("seed")

		p := printer(cmd)
		runner := &seeder.Runner{
			Users:     newClient(cfg.UserURL),
			Tasks:     newClient(cfg.TaskURL),
			Generator: seeder.NewGenerator(seed),
			OnError: func(what string, err error) {
				p.Warn("failed to create %s: %v", what, err)
			},
		}

		res, err := runner.Run(commandContext(cmd), users, tasks)
		if err != nil {
			return fmt.Errorf("seeding stopped: %w", err)
		}

		if p.Format() != output.FormatTable {
			return p.Print(res, nil)
		}
		p.Success("Created %d users and %d tasks (%d failed)", len(res.Users), len(res.Tasks), res.Failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().Int("users", 10, "number of users to create")
	seedCmd.Flags().Int("tasks", 20, "number of tasks to create")
	seedCmd.Flags().Int64("seed", 0, "random seed (0 picks one)")
}

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/taskhub/cli/internal/client"
	"github.com/telhawk-systems/taskhub/cli/pkg/output"
	"github.com/telhawk-systems/taskhub/common/config"
)

var (
	cfgFile string
	cfg     *config.CLIConfig
)

var rootCmd = &cobra.Command{
	Use:   "taskctl",
	Short: "TaskHub operator CLI",
	Long: `taskctl is the command-line interface for TaskHub operators.

Inspect and replay failed outbox records on the user and task services,
inspect and replay consumer dead letters on the notification service,
and seed the system with fake users and tasks.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		if format != "" && !output.ValidFormat(format) {
			return fmt.Errorf("invalid output format %q (want table, json or yaml)", format)
		}
		return nil
	},
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.taskctl/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "", "output format: table, json, yaml (default from config)")
}

func initConfig() {
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadCLIFile(cfgFile)
	} else {
		cfg, err = config.LoadCLI()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultCLI()
	}
}

// printer returns a Printer for the command's output stream, honouring
// --output before the configured default.
func printer(cmd *cobra.Command) *output.Printer {
	format, _ := cmd.Flags().GetString("output")
	if format == "" {
		format = cfg.Output
	}
	return output.NewPrinter(cmd.OutOrStdout(), format)
}

func newClient(baseURL string) *client.Client {
	return client.New(baseURL, cfg.Timeout)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

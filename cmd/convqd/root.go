package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/convq/internal/config"
)

// options are the flags shared by every command.
type options struct {
	configPath string
	envFile    string
}

// load reads the env file, then the config, and validates it.
func (o *options) load() (*config.Config, error) {
	if err := config.LoadEnvFile(o.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "convqd",
		Short:         "Delayed, persisted conversion confirmation queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Optional KEY=VALUE file applied before the config")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newInspectCommand(opts))
	rootCmd.AddCommand(newBalanceCommand())

	return rootCmd
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:          "kova",
		Short:        "Real-time scam call protection agent",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(
		newServeCmd(),
		newWatchCmd(),
		newDevicesCmd(),
		newCheckNumberCmd(),
		newTokenCmd(),
	)
	return root
}

// loadConfig reads, validates and defaults the environment and builds the
// process logger for it
func loadConfig() (config.Config, *zap.Logger, error) {
	cfg := config.NewConfigFromEnv()
	if err := config.ValidateConfig(cfg); err != nil {
		return cfg, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := config.NewLogger(cfg.Development())
	if err != nil {
		return cfg, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg.WithDefaults(logger), logger, nil
}

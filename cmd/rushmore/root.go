package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MaxShih147/Rushmore/appconfig"
	"github.com/MaxShih147/Rushmore/logging"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "rushmore",
		Short:   "Turn photos into displaced relief meshes",
		Version: Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default "+appconfig.DefaultPath()+")")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		newServeCmd(),
		newPredictCmd(),
		newTokenCmd(),
		newConfigCmd(),
	)
	return rootCmd
}

// loadConfig reads the config named by --config and initializes logging.
func loadConfig(cmd *cobra.Command) (appconfig.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, used, err := appconfig.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := logging.Init(cfg.Server.Mode); err != nil {
		return cfg, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.Logger.Debug("config loaded", zap.String("path", used))
	return cfg, nil
}

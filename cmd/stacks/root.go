package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mmcdole/stacks/internal/app"
	"github.com/mmcdole/stacks/internal/config"
	"github.com/mmcdole/stacks/internal/log"
)

var rootCmd = &cobra.Command{
	Use:           "stacks",
	Short:         "Browse library catalogs and manage loans",
	Long:          "stacks browses OPDS library catalogs, borrows and reserves books, and keeps track of every loan and hold.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default ~/.config/stacks/config.yaml)")
	rootCmd.PersistentFlags().Bool("offline", false, "serve feeds from the local cache only")
}

// loadConfig reads the configuration named by --config and sets up logging
func loadConfig(cmd *cobra.Command) (*config.Config, *viper.Viper, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, v, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := log.SetupLogger(&cfg.Logging)
	if err != nil {
		// Fall back to null logger if file logging fails
		logger = log.NullLogger()
	}
	slog.SetDefault(logger)
	return cfg, v, logger, nil
}

// openApp loads configuration and assembles the application
func openApp(cmd *cobra.Command) (*app.App, *viper.Viper, error) {
	cfg, v, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	offline, _ := cmd.Flags().GetBool("offline")

	a, err := app.New(cfg, logger, app.Options{Namespace: v.ConfigFileUsed(), Offline: offline})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("starting stacks", "version", Version, "command", cmd.Name())
	return a, v, nil
}

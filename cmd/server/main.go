package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/hookcatch/internal/config"
	"github.com/PipeOpsHQ/hookcatch/internal/logging"
	"github.com/PipeOpsHQ/hookcatch/internal/store"
)

// Persistent flags available to all subcommands
var configPath string

// rootCmd runs the server when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "hookcatch",
	Short: "hookcatch captures, stores and streams inbound webhooks",
	Long: `hookcatch exposes capture URLs that record every call made to them,
optionally verifying an HMAC signature, and pushes each capture live to
WebSocket and SSE subscribers.

Configuration comes from defaults, an optional config file (--config) and
HOOKCATCH_* environment variables.`,
	Args:          cobra.NoArgs,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (yaml, toml or json)")
	rootCmd.AddCommand(serveCmd, sweepCmd)
}

// bootstrap loads configuration and opens the logger and store shared by
// every command.
func bootstrap(ctx context.Context) (*config.Config, *logrus.Logger, store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	s, err := store.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, logger, s, nil
}

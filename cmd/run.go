package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"slackrelay/pkg/config"
	"slackrelay/pkg/gateway"
	"slackrelay/pkg/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay",
	Long:  "Connects to Slack in Socket Mode and relays every event to the configured webhook until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.run")

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(runCtx, cfg, gateway.Options{}, appLogger)
		if err != nil {
			log.Error("Failed to initialize relay", "error", err)
			return err
		}

		log.Info("Relay started", "webhook", cfg.Webhook.URL, "workers", cfg.Relay.Workers, "redis", cfg.Directory.RedisURL != "")
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Error("Relay runtime failed", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

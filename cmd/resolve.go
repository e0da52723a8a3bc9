package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	slackchannel "slackrelay/pkg/channel/slack"
	"slackrelay/pkg/directory"
	"slackrelay/pkg/jsoncodec"
	"slackrelay/pkg/logger"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve user|channel <id>",
	Short: "Look up a user or channel through the directory cache",
	Long:  "Resolves one Slack id the same way the relay enriches events and prints the entry as JSON.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		id := strings.TrimSpace(args[1])

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Slack.BotToken == "" {
			return fmt.Errorf("slack.bot_token is required for lookups")
		}

		log, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		service := directory.NewSlackService(slackchannel.NewClient(cfg.Slack), log)
		cache, err := directory.Open(ctx, cfg.Directory, service, log)
		if err != nil {
			return fmt.Errorf("open directory: %w", err)
		}
		defer cache.Close()

		entry, err := cache.Resolve(ctx, kind, id)
		if err != nil {
			return err
		}

		return jsoncodec.Encode(cmd.OutOrStdout(), entry)
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}

func parseKind(input string) (directory.Kind, error) {
	switch kind := directory.Kind(strings.ToLower(strings.TrimSpace(input))); kind {
	case directory.KindUser, directory.KindChannel:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown lookup kind %q, want %q or %q", input, directory.KindUser, directory.KindChannel)
	}
}

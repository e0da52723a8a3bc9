package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "slackrelay",
	Short:         "Relay Slack events to an n8n webhook",
	Long:          "Receives Slack events over Socket Mode, resolves user and channel names, and forwards each event as JSON to an n8n webhook.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML or JSON config file (default $RELAY_CONFIG)")
}

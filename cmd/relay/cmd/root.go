package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Real-time chat relay",
	Long: `relay accepts WebSocket chat connections, broadcasts every message to all
connected sessions, tracks who is active and appends each message to a
durable log.

Available commands:
  serve      Run the relay
  presence   List the identities a running relay considers active
  version    Print the version

Use "relay [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package cmd provides the gangway CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is stamped by the build.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "gangway",
	Short:   "Gangway - Slack bridge for AI coding agent sessions",
	Version: Version,
	Long: `Gangway bridges chat channels to interactive AI coding agent sessions.

It supervises agent CLI subprocesses, multiplexes concurrent sessions
across projects, and relays messages between Slack, WebSocket observers
and the agents.`,
	SilenceUsage: true,
}

// Execute runs the root command and returns an exit code. The caller
// (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default $HOME/.gangway/config.toml)")
}

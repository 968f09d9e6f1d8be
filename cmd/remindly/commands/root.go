// Package commands implements the Remindly CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "remindly",
		Short: "Remindly - conversational reminder scheduling over WhatsApp",
		Long: `Remindly is a WhatsApp assistant that schedules reminders from
natural conversation and delivers them over WhatsApp, email, or phone call.

Examples:
  remindly serve
  remindly serve --config ./config.yaml
  remindly jobs 15551234567`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newJobsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

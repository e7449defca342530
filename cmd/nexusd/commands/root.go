// Package commands implements the nexusd CLI.
package commands

import (
	"github.com/spf13/cobra"
)

// RootCmd is the nexusd entry point.
var RootCmd = &cobra.Command{
	Use:   "nexusd",
	Short: "Nexus - single-node GPU job scheduler",
	Long: `Nexus queues GPU jobs, allocates GPUs, launches each job in a
detachable screen session, observes it until exit, and preserves logs
and metadata.

Available commands:
  serve   - Start the Nexus server
  config  - Show the effective server configuration
  version - Show version information

Examples:
  nexusd serve               # Start the server on the configured port
  nexusd serve --port 54323  # Override the listen port
  nexusd config              # Print the resolved configuration`,
}

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(ConfigCmd)
	RootCmd.AddCommand(VersionCmd)
}

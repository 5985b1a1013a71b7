package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Query the daemon for version, uptime, live sessions and RX connections.`,
	Run: func(cmd *cobra.Command, args []string) {
		printJSON(callDaemon("daemon_status", nil))
	},
}

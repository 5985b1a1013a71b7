package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon gracefully",
	Run: func(cmd *cobra.Command, args []string) {
		callDaemon("daemon_shutdown", nil)
		fmt.Println("shutdown requested")
	},
}

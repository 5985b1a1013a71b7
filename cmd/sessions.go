package cmd

import (
	"github.com/spf13/cobra"

	"github.com/aranea-iot/schcgw/internal/command"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live fragmentation sessions",
	Run: func(cmd *cobra.Command, args []string) {
		printJSON(callDaemon("session_list", nil))
	},
}

var sessionsStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Abort a fragmentation session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		printJSON(callDaemon("session_stop", command.SessionStopParams{SessionID: args[0]}))
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsStopCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload device rule profiles",
	Long:  `Ask the daemon to re-read the rules file. In-flight sessions keep their old profile.`,
	Run: func(cmd *cobra.Command, args []string) {
		callDaemon("config_reload", nil)
		fmt.Println("rule profiles reloaded")
	},
}

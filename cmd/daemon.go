package cmd

import (
	"github.com/spf13/cobra"

	"github.com/aranea-iot/schcgw/internal/daemon"
)

var pidFile string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the schcgw daemon in foreground",
	Long: `Run the gateway daemon in foreground.

The daemon loads the global configuration and device rule profiles,
binds the control socket and the UDP link driver, then serves
fragmentation sessions until SIGTERM/SIGINT. SIGHUP reloads the rule
profiles without dropping in-flight sessions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(configFile, socketPath, pidFile)
		if err != nil {
			return err
		}
		return d.Run()
	},
}

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default from config)")
}

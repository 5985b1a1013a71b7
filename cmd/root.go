// Package cmd implements the schcgw CLI using cobra.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aranea-iot/schcgw/internal/command"
)

var (
	// Global flags
	configFile string
	socketPath string
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "schcgw",
	Short: "schcgw - SCHC fragmentation gateway for LPWAN links",
	Long: `schcgw fragments compressed packets for constrained links and
reassembles its peers' fragments, repairing losses through window
bitmap acknowledgements.

The daemon owns the link driver and the connection state; this CLI
talks to it over a Unix domain socket.`,
	Version: command.Version,
}

// Execute runs the CLI. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/schcgw/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/schcgw.sock",
		"daemon control socket path")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(fragmentCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(validateCmd)
}

func newClient() *command.UDSClient {
	return command.NewUDSClient(socketPath, 10*time.Second)
}

// callDaemon performs one control call, exiting on transport errors or
// an error response.
func callDaemon(method string, params interface{}) interface{} {
	client := newClient()
	resp, err := client.Call(rootCmd.Context(), method, params)
	if err != nil {
		exitWithError("daemon is not running or socket is inaccessible", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("%s failed: %s", method, resp.Error.Message), nil)
	}
	return resp.Result
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitWithError("failed to format result", err)
	}
	fmt.Println(string(out))
}

// exitWithError prints an error message and exits with code 1.
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

package cmd

import (
	"encoding/hex"
	"os"

	"github.com/spf13/cobra"

	"github.com/aranea-iot/schcgw/internal/command"
)

var (
	fragDevice  uint32
	fragMTU     int
	fragLength  int
	fragPayload string
)

var fragmentCmd = &cobra.Command{
	Use:   "fragment",
	Short: "Start fragmenting a packet toward a device",
	Long: `Start a fragmentation session on the daemon.

The packet is either read from a file (--payload, raw bytes) or
synthesized (--length) from the built-in CoAP fixture, which is handy
for link bring-up before a compressor is attached.`,
	Run: func(cmd *cobra.Command, args []string) {
		params := command.FragmentParams{
			DeviceID: fragDevice,
			MTU:      fragMTU,
		}
		switch {
		case fragPayload != "":
			raw, err := os.ReadFile(fragPayload)
			if err != nil {
				exitWithError("reading payload file", err)
			}
			params.PayloadHex = hex.EncodeToString(raw)
		case fragLength > 0:
			params.DemoLength = fragLength
		default:
			exitWithError("one of --payload or --length is required", nil)
		}

		printJSON(callDaemon("fragment", params))
	},
}

func init() {
	fragmentCmd.Flags().Uint32VarP(&fragDevice, "device", "d", 0, "target device id (required)")
	fragmentCmd.Flags().IntVarP(&fragMTU, "mtu", "m", 0, "link MTU override (default from config)")
	fragmentCmd.Flags().IntVarP(&fragLength, "length", "l", 0, "synthesize a demo packet of this many bytes")
	fragmentCmd.Flags().StringVarP(&fragPayload, "payload", "f", "", "file holding the compressed packet")
	fragmentCmd.MarkFlagRequired("device")
}

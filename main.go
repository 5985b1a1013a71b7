// Command schcgw is the SCHC fragmentation gateway daemon and its CLI.
package main

import (
	"fmt"
	"os"

	"github.com/aranea-iot/schcgw/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

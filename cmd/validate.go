package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aranea-iot/schcgw/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and rule profiles",
	Long:  `Load the config file and the rules file it references without starting the daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		profiles, err := config.LoadRules(cfg.DataDir, cfg.RulesFile)
		if err != nil {
			return err
		}
		fmt.Printf("config OK: %d device profile(s), link mtu %d\n", len(profiles), cfg.Link.MTU)
		for _, p := range profiles {
			params := p.Params.ToParams()
			fmt.Printf("  device %d (%s): rule 0x%X, window %d fragments, fcn %d bits\n",
				p.DeviceID, p.Name, p.RuleID, params.WindowSize(), params.FcnSizeBits)
		}
		return nil
	},
}

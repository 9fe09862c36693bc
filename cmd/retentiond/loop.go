package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cliploop/retentiond/internal/config"
)

func loopCmd() *cobra.Command {
	var (
		configPath string
		trigger    string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run the feedback loop once",
		Long: `Run one pass of the retention feedback loop against the configured
store and print the outcome. The run is recorded in the loop state, so
cooldown gating applies to later runs unless --force is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			a, err := buildApp(&cfg)
			if err != nil {
				return err
			}
			defer a.cleanup()

			result, err := a.loop.Run(cmd.Context(), trigger, force)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	addConfigFlag(cmd.Flags(), &configPath)
	cmd.Flags().StringVar(&trigger, "trigger", "manual", "trigger label recorded on the run")
	cmd.Flags().BoolVar(&force, "force", false, "bypass the enabled, auto-apply and cooldown gates")
	return cmd
}

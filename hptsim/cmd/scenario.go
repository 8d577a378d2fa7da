package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/hptsim/workload"
)

var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Run the reference mapping scenario on a 2048-bucket table.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := configFromFlags(cmd)
		cfg.NumBuckets = workload.ScenarioBuckets

		env, err := workload.Boot(cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		frame, err := env.Alloc.AllocPages(1)
		if err != nil {
			return err
		}

		checks := workload.Scenario(env.System, frame)
		for _, c := range checks {
			fmt.Fprintln(cmd.OutOrStdout(), c)
		}

		if !workload.Passed(checks) {
			return errors.New("scenario failed")
		}

		return nil
	},
}

func init() {
	addMachineFlags(scenarioCmd)
	rootCmd.AddCommand(scenarioCmd)
}

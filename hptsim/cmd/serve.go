package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/sarchlab/hptsim/workload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workload behind the monitor until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := configFromFlags(cmd)

		env, err := workload.Boot(cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		closeTracers, err := attachTracers(cmd, env)
		if err != nil {
			return err
		}
		defer closeTracers()

		port, _ := cmd.Flags().GetInt("port")
		openBrowser, _ := cmd.Flags().GetBool("open-browser")
		m := startMonitor(env, port, openBrowser)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		for round := 1; ctx.Err() == nil; round++ {
			bar := m.CreateProgressBar(fmt.Sprintf("round %d", round),
				cfg.NumWorkers, uint64(cfg.NumWorkers*cfg.OpsPerWorker))

			cfg.Seed++
			res, err := workload.Run(ctx, env, cfg, bar.Record)
			m.CompleteProgressBar(bar)

			if errors.Is(err, context.Canceled) {
				break
			}

			printReport(cmd.OutOrStdout(), env, res)

			if err != nil {
				return err
			}

			env.ReclaimFrames()
		}

		return nil
	},
}

func init() {
	addMachineFlags(serveCmd)
	addWorkloadFlags(serveCmd)
	addTraceFlags(serveCmd)
	serveCmd.Flags().Int("port", 0, "monitor port, 0 for a random port")
	serveCmd.Flags().Bool("open-browser", false, "open the monitor page")

	rootCmd.AddCommand(serveCmd)
}

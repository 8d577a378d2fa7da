package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/sarchlab/hptsim/datarecording"
	"github.com/sarchlab/hptsim/monitoring"
	"github.com/sarchlab/hptsim/tracing"
	"github.com/sarchlab/hptsim/workload"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a concurrent mapping workload.",
	Long: "Boot a machine and let one worker per processor enter, " +
		"translate, remove, zero, and copy kernel pages, checking every " +
		"translation. Table and TLB statistics are printed at the end.",
	Args: cobra.NoArgs,
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

		var bar *monitoring.ProgressBar
		if port, _ := cmd.Flags().GetInt("monitor"); port >= 0 {
			openBrowser, _ := cmd.Flags().GetBool("open-browser")
			m := startMonitor(env, port, openBrowser)
			bar = m.CreateProgressBar("workload", cfg.NumWorkers,
				uint64(cfg.NumWorkers*cfg.OpsPerWorker))
			defer m.CompleteProgressBar(bar)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var progress workload.Progress
		if bar != nil {
			progress = bar.Record
		}

		res, err := workload.Run(ctx, env, cfg, progress)
		printReport(cmd.OutOrStdout(), env, res)

		return err
	},
}

func init() {
	addMachineFlags(runCmd)
	addWorkloadFlags(runCmd)
	addTraceFlags(runCmd)
	runCmd.Flags().Int("monitor", -1,
		"serve the monitor on this port, 0 for a random port, -1 to disable")
	runCmd.Flags().Bool("open-browser", false, "open the monitor page")

	rootCmd.AddCommand(runCmd)
}

func addTraceFlags(cmd *cobra.Command) {
	cmd.Flags().String("csv", "",
		"write table events to this CSV file (without extension)")
	cmd.Flags().String("sqlite", "",
		"write table events to this SQLite file (without extension)")
	cmd.Flags().Bool("log-trace", false, "print table events to stderr")
}

// attachTracers hooks the requested trace backends to the table and the
// machine. The returned function flushes and closes them.
func attachTracers(cmd *cobra.Command, env *workload.Env) (func(), error) {
	var (
		tracers []tracing.Tracer
		closers []func() error
	)

	if path, _ := cmd.Flags().GetString("csv"); path != "" {
		w := tracing.NewCSVTraceWriter(path)
		w.Init()
		tracers = append(tracers, w)
		closers = append(closers, w.Close)
	}

	if path, _ := cmd.Flags().GetString("sqlite"); path != "" {
		recorder := datarecording.New(path)
		tracers = append(tracers, tracing.NewDBTracer(recorder))
		closers = append(closers, recorder.Close)
	}

	if on, _ := cmd.Flags().GetBool("log-trace"); on {
		tracers = append(tracers,
			tracing.NewLogTracer(log.New(os.Stderr, "", 0)))
	}

	for _, t := range tracers {
		tracing.CollectTrace(env.System.Table(), t)
		tracing.CollectTrace(env.Machine, t)
	}

	return func() {
		for _, c := range closers {
			if err := c(); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to close trace: %v\n", err)
			}
		}
	}, nil
}

func startMonitor(
	env *workload.Env,
	port int,
	openBrowser bool,
) *monitoring.Monitor {
	m := monitoring.NewMonitor().
		WithPortNumber(port).
		WithBrowser(openBrowser)
	m.RegisterSystem(env.System)
	m.RegisterMachine(env.Machine)
	m.StartServer()

	return m
}

func printReport(w io.Writer, env *workload.Env, res workload.Result) {
	stats := env.System.Stats()
	barriers := env.Machine.BarrierStats()

	fmt.Fprintf(w, "workload: %d enters, %d removes, %d translations "+
		"(%d TLB hits), %d faults, %d zeroes, %d copies\n",
		res.Enters, res.Removes, res.Translations, res.TLBHits,
		res.Faults, res.Zeroes, res.Copies)
	fmt.Fprintf(w, "pmap: %d mappings, %d enters, %d removes, %d spills\n",
		stats.Mappings, stats.Enters, stats.Removes, stats.Spills)
	fmt.Fprintf(w, "table: %d buckets, %d occupied slots, %d inserts "+
		"(%d primary, %d secondary), %d evictions, %d invalidations, "+
		"%d harvests\n",
		env.System.Table().NumBuckets(), env.System.Table().Occupancy(),
		stats.Table.Inserts, stats.Table.PrimaryHits,
		stats.Table.SecondaryHits, stats.Table.Evictions,
		stats.Table.Invalidations, stats.Table.Harvests)
	fmt.Fprintf(w, "barriers: %d ptesync, %d tlbie, %d eieio, %d tlbsync\n",
		barriers.PTESyncs, barriers.TLBIEs, barriers.EIEIOs, barriers.TLBSyncs)

	for _, c := range env.Machine.CPUs() {
		s := c.TLB().Stats()
		fmt.Fprintf(w, "%s: %d hits, %d misses, %d invalidations, "+
			"%d flushes\n",
			c.TLB().Name(), s.Hits, s.Misses, s.Invalidations, s.Flushes)
	}
}

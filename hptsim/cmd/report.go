package cmd

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sarchlab/hptsim/datarecording"
	"github.com/sarchlab/hptsim/tracing"
)

var reportCmd = &cobra.Command{
	Use:   "report [trace.sqlite3]",
	Short: "Summarize a trace recorded with run --sqlite.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, err := datarecording.NewReader(args[0])
		if err != nil {
			return err
		}
		defer reader.Close()

		ctx := context.Background()

		tables, err := reader.Tables(ctx)
		if err != nil {
			return err
		}

		if !slices.Contains(tables, tracing.TraceTableName) {
			return fmt.Errorf("%s holds no %s table", args[0],
				tracing.TraceTableName)
		}

		total := 0
		counts := tracing.NewCountTracer()
		buckets := make(map[uint64]int)

		err = datarecording.Each(ctx, reader, tracing.TraceTableName,
			datarecording.Filter{OrderBy: "Seq"},
			func(rec tracing.Record) error {
				total++
				counts.Trace(rec)

				if rec.What == "PTEEvict" {
					buckets[rec.Bucket]++
				}

				return nil
			})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d records\n", total)

		byKind := counts.Counts()
		kinds := make([]string, 0, len(byKind))
		for what := range byKind {
			kinds = append(kinds, what)
		}
		sort.Strings(kinds)

		for _, what := range kinds {
			fmt.Fprintf(out, "%-16s %d\n", what, byKind[what])
		}

		top, _ := cmd.Flags().GetInt("top")
		for _, b := range hottestBuckets(buckets, top) {
			fmt.Fprintf(out, "bucket %#x: %d evictions\n", b, buckets[b])
		}

		return nil
	},
}

func hottestBuckets(evictions map[uint64]int, n int) []uint64 {
	buckets := make([]uint64, 0, len(evictions))
	for b := range evictions {
		buckets = append(buckets, b)
	}

	sort.Slice(buckets, func(i, j int) bool {
		if evictions[buckets[i]] != evictions[buckets[j]] {
			return evictions[buckets[i]] > evictions[buckets[j]]
		}

		return buckets[i] < buckets[j]
	})

	return buckets[:min(n, len(buckets))]
}

func init() {
	reportCmd.Flags().Int("top", 10, "number of most evicted buckets to list")
	rootCmd.AddCommand(reportCmd)
}

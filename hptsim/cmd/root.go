// Package cmd provides the command-line interface of hptsim.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hptsim",
	Short: "hptsim simulates the hashed page table of a hash MMU.",
	Long: `hptsim boots a simulated machine with a hashed page table, ` +
		`runs the kernel mapping interface on it from many processors, ` +
		`and reports what the table and the TLBs did. Flag defaults can be ` +
		`set with HPTSIM_* variables, also read from a .env file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return applyEnv(cmd)
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

// envFlags maps flag names to the variables that override their defaults.
var envFlags = map[string]string{
	"cpus":      "HPTSIM_CPUS",
	"memory-mb": "HPTSIM_MEMORY_MB",
	"buckets":   "HPTSIM_BUCKETS",
	"workers":   "HPTSIM_WORKERS",
	"pages":     "HPTSIM_PAGES",
	"ops":       "HPTSIM_OPS",
	"seed":      "HPTSIM_SEED",
	"port":      "HPTSIM_MONITOR_PORT",
}

// applyEnv loads .env, if present, and uses the HPTSIM_* variables for every
// flag the user did not set.
func applyEnv(cmd *cobra.Command) error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	for flag, env := range envFlags {
		f := cmd.Flags().Lookup(flag)
		if f == nil || f.Changed {
			continue
		}

		value, ok := os.LookupEnv(env)
		if !ok {
			continue
		}

		if err := cmd.Flags().Set(flag, value); err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
	}

	return nil
}

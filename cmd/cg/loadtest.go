package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mschirtzinger/changeguard/internal/loadtest"
	"github.com/mschirtzinger/changeguard/internal/logging"
	"github.com/spf13/cobra"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "inspect",
	Short:   "Measure ingest throughput with synthetic notifications",
	Long: `Run the monitoring pipeline against an in-memory native service, emit a
burst of synthetic filesystem notifications and query the aggregates from
concurrent readers while they are ingested.

History and session logs go to a temporary directory unless --keep is set.

Examples:
  cg loadtest
  cg loadtest --events 100000 --readers 32`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		events, _ := cmd.Flags().GetInt("events")
		roots, _ := cmd.Flags().GetInt("roots")
		identities, _ := cmd.Flags().GetInt("identities")
		readers, _ := cmd.Flags().GetInt("readers")
		noHistory, _ := cmd.Flags().GetBool("no-history")
		keep, _ := cmd.Flags().GetBool("keep")

		dir, err := os.MkdirTemp("", "cg-loadtest-")
		if err != nil {
			fatalf("%v", err)
		}
		if !keep {
			defer os.RemoveAll(dir)
		}

		cfg := &loadtest.Config{
			Events:        events,
			Roots:         roots,
			Identities:    identities,
			Readers:       readers,
			SessionLogDir: filepath.Join(dir, "logs"),
			Timeout:       10 * time.Minute,
			Logger:        logging.Quiet(),
		}
		if !noHistory {
			cfg.DBPath = filepath.Join(dir, "loadtest.db")
		}

		fmt.Printf("Emitting %d notifications over %d roots...\n", events, roots)
		res, err := loadtest.Run(commandContext(cmd), cfg)
		if err != nil {
			fatalf("load test failed: %v", err)
		}
		res.Print(os.Stdout)
		if keep {
			fmt.Printf("Artifacts kept in %s\n", dir)
		}
	},
}

func init() {
	f := loadtestCmd.Flags()
	f.Int("events", 10000, "number of notifications")
	f.Int("roots", 4, "number of watched directories")
	f.Int("identities", 50, "distinct files per directory")
	f.Int("readers", 8, "concurrent snapshot readers")
	f.Bool("no-history", false, "do not record history in SQLite")
	f.Bool("keep", false, "keep the database and session logs")
	rootCmd.AddCommand(loadtestCmd)
}

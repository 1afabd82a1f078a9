// Command jdbtool is a minimal, read-only inspection CLI over a jdb
// database directory: level/file layout, cache and compaction counters,
// nothing else. It is not the CLI/API wrapper spec.md §1 calls out of
// scope — no put/get/range surface is exposed here, only introspection
// over Db.Metrics, grounded on other_examples' patrick-ogrady-pebble tool
// package's root-command-plus-subcommand-struct shape.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jdb-go/jdb"
	"github.com/jdb-go/jdb/internal/base"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "jdbtool",
		Short: "Read-only inspection tool for a jdb database directory",
	}
	root.AddCommand(newLevelsCmd(), newMetricsCmd())
	return root
}

// withDb opens dir, hands the live handle to fn, and always closes it
// afterward, even if fn returns an error.
func withDb(dir string, fn func(*jdb.Db) error) error {
	db, err := jdb.Open(dir, (&base.Options{}).WithDefaults())
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer db.Close()
	return fn(db)
}

func newLevelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "levels <dir>",
		Short: "print per-level file counts, sizes and compaction scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDb(args[0], func(db *jdb.Db) error {
				m := db.Metrics()
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, m.String())
				fmt.Fprintf(out, "read-amp %d\n", m.ReadAmp())
				fmt.Fprintf(out, "disk-usage %d B\n", m.DiskSpaceUsage())
				return nil
			})
		},
	}
}

func newMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <dir>",
		Short: "print uptime, compaction, GC and active-memtable counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDb(args[0], func(db *jdb.Db) error {
				m := db.Metrics()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "uptime %s\n", m.Uptime)
				fmt.Fprintf(out, "compactions %d\n", m.Compact.Count)
				fmt.Fprintf(out, "gc-dropped-segments %d\n", m.GC.DroppedSegments)
				fmt.Fprintf(out, "active-memtable-bytes %d\n", m.MemTable.ActiveSize)
				return nil
			})
		},
	}
}

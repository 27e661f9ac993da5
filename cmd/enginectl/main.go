// Command enginectl is a thin administrative CLI over the storage
// engine: subcommands for open-table, insert, find, delete and scan,
// plus recover and benchmark, enough to drive the engine by hand
// without writing a Go program against it. Update and the
// transaction calls have no subcommand.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/intellect4all/storage-engines/common/benchmark"
	"github.com/intellect4all/storage-engines/internal/engine"
)

var (
	dataDir      string
	logPath      string
	traceOut     string
	bufferFrames int
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "enginectl",
		Short: "Administer a storage engine data directory",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "data", "table file directory")
	root.PersistentFlags().StringVar(&logPath, "log-path", "data/db.log", "write-ahead log file path")
	root.PersistentFlags().StringVar(&traceOut, "recovery-trace", "data/recovery.log", "recovery trace output path")
	root.PersistentFlags().IntVar(&bufferFrames, "buffer-frames", 64, "buffer pool frame count")

	root.AddCommand(newOpenCmd())
	root.AddCommand(newInsertCmd())
	root.AddCommand(newFindCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newScanCmd())
	root.AddCommand(newRecoverCmd())
	root.AddCommand(newBenchmarkCmd())
	return root
}

func openEngine() (*engine.Engine, error) {
	cfg := engine.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.LogPath = logPath
	cfg.RecoveryTrace = traceOut
	cfg.BufferFrames = bufferFrames
	return engine.InitDB(cfg, engine.NormalRecovery, 0)
}

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open-table [path]",
		Short: "Open or create a table file and print its table id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.ShutdownDB()
			id, err := e.OpenTable(args[0])
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func newInsertCmd() *cobra.Command {
	var key int64
	var path string
	c := &cobra.Command{
		Use:   "insert [value]",
		Short: "Insert a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.ShutdownDB()
			id, err := e.OpenTable(path)
			if err != nil {
				return err
			}
			return e.Insert(id, key, []byte(args[0]))
		},
	}
	c.Flags().StringVar(&path, "table", "", "table file path")
	c.Flags().Int64Var(&key, "key", 0, "record key")
	c.MarkFlagRequired("table")
	return c
}

func newFindCmd() *cobra.Command {
	var key int64
	var path string
	c := &cobra.Command{
		Use:   "find",
		Short: "Find a record by key",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.ShutdownDB()
			id, err := e.OpenTable(path)
			if err != nil {
				return err
			}
			val, err := e.Find(id, key, 0)
			if err != nil {
				return err
			}
			fmt.Println(string(val))
			return nil
		},
	}
	c.Flags().StringVar(&path, "table", "", "table file path")
	c.Flags().Int64Var(&key, "key", 0, "record key")
	c.MarkFlagRequired("table")
	return c
}

func newDeleteCmd() *cobra.Command {
	var key int64
	var path string
	c := &cobra.Command{
		Use:   "delete",
		Short: "Delete a record by key",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.ShutdownDB()
			id, err := e.OpenTable(path)
			if err != nil {
				return err
			}
			return e.Delete(id, key)
		},
	}
	c.Flags().StringVar(&path, "table", "", "table file path")
	c.Flags().Int64Var(&key, "key", 0, "record key")
	c.MarkFlagRequired("table")
	return c
}

func newScanCmd() *cobra.Command {
	var begin, end int64
	var path string
	c := &cobra.Command{
		Use:   "scan",
		Short: "Scan a key range",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.ShutdownDB()
			id, err := e.OpenTable(path)
			if err != nil {
				return err
			}
			keys, values, err := e.Scan(id, begin, end)
			if err != nil {
				return err
			}
			for i, k := range keys {
				fmt.Printf("%d\t%s\n", k, string(values[i]))
			}
			return nil
		},
	}
	c.Flags().StringVar(&path, "table", "", "table file path")
	c.Flags().Int64Var(&begin, "begin", 0, "range start, inclusive")
	c.Flags().Int64Var(&end, "end", 0, "range end, inclusive")
	c.MarkFlagRequired("table")
	return c
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run recovery against the data directory and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			return e.ShutdownDB()
		},
	}
}

func newBenchmarkCmd() *cobra.Command {
	var tablePath string
	var workload string
	var duration time.Duration
	var concurrency int
	var numKeys int

	c := &cobra.Command{
		Use:   "benchmark",
		Short: "Preload a table and run a throughput/latency workload against it",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.ShutdownDB()

			tableID, err := e.OpenTable(tablePath)
			if err != nil {
				return err
			}

			var configs []benchmark.Config
			if workload == "all" {
				configs = benchmark.StandardWorkloads(64)
			} else {
				configs = filterWorkloads(benchmark.StandardWorkloads(64), workload)
				if len(configs) == 0 {
					return fmt.Errorf("unknown workload %q", workload)
				}
			}
			for i := range configs {
				configs[i].NumKeys = numKeys
				configs[i].Duration = duration
				configs[i].Concurrency = concurrency
			}

			for _, cfg := range configs {
				fmt.Printf("=== %s ===\n", cfg.Name)
				b := benchmark.NewBenchmark(e, tableID, cfg)
				if err := b.Preload(); err != nil {
					return fmt.Errorf("preload: %w", err)
				}
				result, err := b.Run()
				if err != nil {
					return err
				}
				printBenchmarkResult(result)
			}
			return nil
		},
	}
	c.Flags().StringVar(&tablePath, "table", "", "table file path")
	c.Flags().StringVar(&workload, "workload", "all", "all, read-only, read-heavy, balanced, write-heavy, or write-only")
	c.Flags().DurationVar(&duration, "duration", 10*time.Second, "duration for each workload")
	c.Flags().IntVar(&concurrency, "concurrency", 8, "concurrent workers")
	c.Flags().IntVar(&numKeys, "num-keys", 10_000, "distinct keys to preload")
	c.MarkFlagRequired("table")
	return c
}

func filterWorkloads(configs []benchmark.Config, name string) []benchmark.Config {
	out := configs[:0]
	for _, c := range configs {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func printBenchmarkResult(r *benchmark.Result) {
	fmt.Printf("throughput: %.0f ops/sec (writes: %d, reads: %d, errors: %d)\n",
		r.OpsPerSec, r.WriteOps, r.ReadOps, r.Errors)
	if r.WriteOps > 0 {
		fmt.Printf("write latency: min=%s mean=%s p50=%s p95=%s p99=%s max=%s\n",
			r.WriteLatency.Min, r.WriteLatency.Mean, r.WriteLatency.P50, r.WriteLatency.P95, r.WriteLatency.P99, r.WriteLatency.Max)
	}
	if r.ReadOps > 0 {
		fmt.Printf("read latency:  min=%s mean=%s p50=%s p95=%s p99=%s max=%s\n",
			r.ReadLatency.Min, r.ReadLatency.Mean, r.ReadLatency.P50, r.ReadLatency.P95, r.ReadLatency.P99, r.ReadLatency.Max)
	}
	fmt.Printf("buffer pool: hits=%d misses=%d evictions=%d\n",
		r.EndStats.BufferPageHits-r.StartStats.BufferPageHits,
		r.EndStats.BufferPageMisses-r.StartStats.BufferPageMisses,
		r.EndStats.BufferEvictions-r.StartStats.BufferEvictions)
	fmt.Println(strings.Repeat("-", 60))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

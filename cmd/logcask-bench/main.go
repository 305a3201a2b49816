package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KevoDB/logcask/pkg/common/log"
	"github.com/KevoDB/logcask/pkg/config"
	"github.com/KevoDB/logcask/pkg/engine"
)

const (
	defaultValueSize = 100
	defaultKeyCount  = 100000
)

var allBenchmarks = []string{"write", "read", "scan", "mixed", "compaction"}

type cliOptions struct {
	types       string
	dataDir     string
	resultsFile string
	cpuProfile  string
	memProfile  string
	segmentSize int64
	syncMode    string
	bench       benchOptions
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	cmd := &cobra.Command{
		Use:           "logcask-bench",
		Short:         "Measure logcask engine throughput",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmarks(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.types, "type", "all", "comma separated benchmarks: "+strings.Join(allBenchmarks, ", ")+" or all")
	flags.StringVar(&opts.dataDir, "data-dir", "./benchmark-data", "directory for benchmark data, wiped before each benchmark")
	flags.StringVar(&opts.resultsFile, "results", "", "also write results to this CSV file")
	flags.StringVar(&opts.cpuProfile, "cpu-profile", "", "write CPU profile to file")
	flags.StringVar(&opts.memProfile, "mem-profile", "", "write memory profile to file")
	flags.Int64Var(&opts.segmentSize, "segment-size", 64*1024*1024, "segment size threshold in bytes")
	flags.StringVar(&opts.syncMode, "sync", "batch", "sync mode: none, batch or always")
	flags.DurationVar(&opts.bench.Duration, "duration", 10*time.Second, "duration of each timed benchmark")
	flags.IntVar(&opts.bench.NumKeys, "keys", defaultKeyCount, "number of distinct keys")
	flags.IntVar(&opts.bench.ValueSize, "value-size", defaultValueSize, "size of values in bytes")
	flags.BoolVar(&opts.bench.Sequential, "sequential", false, "use sequential keys instead of random")
	flags.IntVar(&opts.bench.ScanSize, "scan-size", 100, "entries read per scan")
	flags.Float64Var(&opts.bench.ReadRatio, "read-ratio", 0.8, "fraction of reads in the mixed benchmark")
	flags.Int64Var(&opts.bench.Seed, "seed", 1, "random seed for key selection")

	return cmd
}

func runBenchmarks(opts *cliOptions) error {
	if opts.bench.NumKeys <= 0 {
		return fmt.Errorf("--keys must be positive")
	}
	syncMode, err := config.ParseSyncMode(opts.syncMode)
	if err != nil {
		return err
	}

	types := strings.Split(opts.types, ",")
	if len(types) == 1 && strings.EqualFold(types[0], "all") {
		types = allBenchmarks
	}

	if opts.cpuProfile != "" {
		f, err := os.Create(opts.cpuProfile)
		if err != nil {
			return fmt.Errorf("could not create CPU profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("could not start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	fmt.Printf("Benchmark Report (%s)\n", time.Now().Format(time.RFC3339))
	fmt.Printf("Keys: %d, Value Size: %d bytes, Duration: %s, Mode: %s\n",
		opts.bench.NumKeys, opts.bench.ValueSize, opts.bench.Duration, opts.bench.mode())

	var results []BenchmarkResult
	for _, typ := range types {
		typ = strings.ToLower(strings.TrimSpace(typ))
		fmt.Printf("Running %s benchmark...\n", typ)

		res, err := runOne(opts, syncMode, typ)
		if err != nil {
			return fmt.Errorf("%s benchmark: %w", typ, err)
		}
		fmt.Println(res)
		results = append(results, res)
	}

	if opts.resultsFile != "" {
		if err := SaveResultCSV(results, opts.resultsFile); err != nil {
			return fmt.Errorf("failed to write results: %w", err)
		}
	}

	if opts.memProfile != "" {
		f, err := os.Create(opts.memProfile)
		if err != nil {
			return fmt.Errorf("could not create memory profile: %w", err)
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			return fmt.Errorf("could not write memory profile: %w", err)
		}
	}
	return nil
}

// runOne runs a benchmark against a freshly created store
func runOne(opts *cliOptions, syncMode config.SyncMode, typ string) (BenchmarkResult, error) {
	if err := os.RemoveAll(opts.dataDir); err != nil {
		return BenchmarkResult{}, fmt.Errorf("failed to clean benchmark directory: %w", err)
	}

	cfg := config.NewDefaultConfig(opts.dataDir)
	cfg.SegmentMaxSize = opts.segmentSize
	cfg.SyncMode = syncMode
	// Compaction is measured explicitly, not in the background.
	cfg.AutoCompaction = false

	e, err := engine.Open(cfg, engine.WithLogger(log.NewStandardLogger(log.WithLevel(log.LevelWarn))))
	if err != nil {
		return BenchmarkResult{}, err
	}
	defer e.Close()

	if typ != "write" {
		if err := populate(e, opts.bench); err != nil {
			return BenchmarkResult{}, err
		}
	}

	switch typ {
	case "write":
		return runWriteBenchmark(e, opts.bench), nil
	case "read":
		return runReadBenchmark(e, opts.bench), nil
	case "scan":
		return runScanBenchmark(e, opts.bench), nil
	case "mixed":
		return runMixedBenchmark(e, opts.bench), nil
	case "compaction":
		return runCompactionBenchmark(e, opts.bench)
	default:
		return BenchmarkResult{}, fmt.Errorf("unknown benchmark type %q", typ)
	}
}

package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/KevoDB/logcask/pkg/engine/interfaces"
)

// benchOptions configures one benchmark run
type benchOptions struct {
	Duration   time.Duration
	NumKeys    int
	ValueSize  int
	Sequential bool
	ScanSize   int
	ReadRatio  float64
	Seed       int64
}

func (o benchOptions) mode() string {
	if o.Sequential {
		return "Sequential"
	}
	return "Random"
}

func (o benchOptions) result(typ string) BenchmarkResult {
	return BenchmarkResult{
		BenchmarkType: typ,
		NumKeys:       o.NumKeys,
		ValueSize:     o.ValueSize,
		Mode:          o.mode(),
		Timestamp:     time.Now(),
	}
}

func benchKey(i int) []byte {
	return []byte(fmt.Sprintf("key-%010d", i))
}

func benchValue(size int) []byte {
	value := make([]byte, size)
	for i := range value {
		value[i] = byte(i % 256)
	}
	return value
}

// keyPicker returns the index of the next key to touch
func keyPicker(opts benchOptions) func(n int) int {
	if opts.Sequential {
		return func(n int) int { return n % opts.NumKeys }
	}
	r := rand.New(rand.NewSource(opts.Seed))
	return func(int) int { return r.Intn(opts.NumKeys) }
}

// populate writes every key once so that reads and scans find data
func populate(e interfaces.Engine, opts benchOptions) error {
	value := benchValue(opts.ValueSize)
	for i := 0; i < opts.NumKeys; i++ {
		if err := e.Set(benchKey(i), value); err != nil {
			return fmt.Errorf("populating key %d: %w", i, err)
		}
	}
	return e.Flush()
}

// runWriteBenchmark overwrites keys until the deadline
func runWriteBenchmark(e interfaces.Engine, opts benchOptions) BenchmarkResult {
	res := opts.result("Write")
	value := benchValue(opts.ValueSize)
	next := keyPicker(opts)

	start := time.Now()
	deadline := start.Add(opts.Duration)
	for n := 0; time.Now().Before(deadline); n++ {
		if err := e.Set(benchKey(next(n)), value); err != nil {
			res.Errors++
			continue
		}
		res.Operations++
		res.Bytes += int64(opts.ValueSize)
	}
	res.Duration = time.Since(start)
	return res
}

// runReadBenchmark reads keys from a populated store
func runReadBenchmark(e interfaces.Engine, opts benchOptions) BenchmarkResult {
	res := opts.result("Read")
	next := keyPicker(opts)

	var hits int
	start := time.Now()
	deadline := start.Add(opts.Duration)
	for n := 0; time.Now().Before(deadline); n++ {
		value, found, err := e.Get(benchKey(next(n)))
		if err != nil {
			res.Errors++
			continue
		}
		res.Operations++
		if found {
			hits++
			res.Bytes += int64(len(value))
		}
	}
	res.Duration = time.Since(start)
	if res.Operations > 0 {
		res.HitRate = float64(hits) / float64(res.Operations)
	}
	return res
}

// runScanBenchmark reads ScanSize entries starting at random keys
func runScanBenchmark(e interfaces.Engine, opts benchOptions) BenchmarkResult {
	res := opts.result("Scan")
	next := keyPicker(opts)

	var entries int
	start := time.Now()
	deadline := start.Add(opts.Duration)
	for n := 0; time.Now().Before(deadline); n++ {
		it, err := e.ScanRange(benchKey(next(n)), nil)
		if err != nil {
			res.Errors++
			continue
		}
		for i := 0; i < opts.ScanSize && it.Next(); i++ {
			entries++
			res.Bytes += int64(len(it.Value()))
		}
		if it.Err() != nil {
			res.Errors++
		}
		it.Close()
		res.Operations++
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.EntriesPerSec = float64(entries) / res.Duration.Seconds()
	}
	return res
}

// runMixedBenchmark interleaves reads and writes at ReadRatio
func runMixedBenchmark(e interfaces.Engine, opts benchOptions) BenchmarkResult {
	res := opts.result("Mixed")
	res.ReadRatio = opts.ReadRatio
	value := benchValue(opts.ValueSize)
	next := keyPicker(opts)
	r := rand.New(rand.NewSource(opts.Seed + 1))

	start := time.Now()
	deadline := start.Add(opts.Duration)
	for n := 0; time.Now().Before(deadline); n++ {
		key := benchKey(next(n))
		var err error
		if r.Float64() < opts.ReadRatio {
			_, _, err = e.Get(key)
		} else {
			err = e.Set(key, value)
		}
		if err != nil {
			res.Errors++
			continue
		}
		res.Operations++
	}
	res.Duration = time.Since(start)
	return res
}

// runCompactionBenchmark overwrites a populated key set once, leaving about
// half of the disk dead, and then times one explicit compaction.
func runCompactionBenchmark(e interfaces.Engine, opts benchOptions) (BenchmarkResult, error) {
	res := opts.result("Compaction")
	value := benchValue(opts.ValueSize)

	for i := 0; i < opts.NumKeys; i++ {
		if err := e.Set(benchKey(i), value); err != nil {
			return res, err
		}
	}

	start := time.Now()
	summary, err := e.Compact()
	if err != nil {
		return res, err
	}
	res.Duration = time.Since(start)
	res.Operations = summary.MovedKeys + summary.DroppedKeys
	res.Bytes = summary.BytesBefore
	res.Reclaimed = summary.ReclaimedBytes()
	return res, nil
}

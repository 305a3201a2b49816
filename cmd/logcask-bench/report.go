package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// BenchmarkResult stores the results of a benchmark
type BenchmarkResult struct {
	BenchmarkType string
	NumKeys       int
	ValueSize     int
	Mode          string
	Operations    int
	Errors        int
	Duration      time.Duration
	Bytes         int64
	HitRate       float64 // For read benchmarks
	EntriesPerSec float64 // For scan benchmarks
	ReadRatio     float64 // For mixed benchmarks

	// Reclaimed is the space freed by compaction benchmarks
	Reclaimed int64
	Timestamp time.Time
}

// Throughput returns operations per second
func (r BenchmarkResult) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Operations) / r.Duration.Seconds()
}

// Latency returns the mean time per operation in microseconds
func (r BenchmarkResult) Latency() float64 {
	if r.Operations == 0 {
		return 0
	}
	return float64(r.Duration.Microseconds()) / float64(r.Operations)
}

func (r BenchmarkResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s Benchmark Results:", r.BenchmarkType)
	fmt.Fprintf(&b, "\n  Key Mode: %s", r.Mode)
	fmt.Fprintf(&b, "\n  Operations: %d", r.Operations)
	if r.Errors > 0 {
		fmt.Fprintf(&b, "\n  Errors: %d", r.Errors)
	}
	if r.Bytes > 0 {
		fmt.Fprintf(&b, "\n  Data: %.2f MB", float64(r.Bytes)/(1024*1024))
	}
	fmt.Fprintf(&b, "\n  Time: %.2f seconds", r.Duration.Seconds())
	fmt.Fprintf(&b, "\n  Throughput: %.2f ops/sec", r.Throughput())
	fmt.Fprintf(&b, "\n  Latency: %.3f µs/op", r.Latency())
	if r.HitRate > 0 {
		fmt.Fprintf(&b, "\n  Hit Rate: %.2f%%", r.HitRate*100)
	}
	if r.EntriesPerSec > 0 {
		fmt.Fprintf(&b, "\n  Entries Scanned: %.2f entries/sec", r.EntriesPerSec)
	}
	if r.ReadRatio > 0 {
		fmt.Fprintf(&b, "\n  Read Ratio: %.0f%%", r.ReadRatio*100)
	}
	if r.Reclaimed > 0 {
		fmt.Fprintf(&b, "\n  Reclaimed: %.2f MB", float64(r.Reclaimed)/(1024*1024))
	}
	return b.String()
}

// SaveResultCSV saves benchmark results to a CSV file
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"Timestamp", "BenchmarkType", "NumKeys", "ValueSize", "Mode",
		"Operations", "Errors", "Duration", "Throughput", "Latency", "HitRate",
		"EntriesPerSec", "ReadRatio", "Reclaimed",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.NumKeys),
			strconv.Itoa(r.ValueSize),
			r.Mode,
			strconv.Itoa(r.Operations),
			strconv.Itoa(r.Errors),
			fmt.Sprintf("%.2f", r.Duration.Seconds()),
			fmt.Sprintf("%.2f", r.Throughput()),
			fmt.Sprintf("%.3f", r.Latency()),
			fmt.Sprintf("%.2f", r.HitRate),
			fmt.Sprintf("%.2f", r.EntriesPerSec),
			fmt.Sprintf("%.1f", r.ReadRatio),
			strconv.FormatInt(r.Reclaimed, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

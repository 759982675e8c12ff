package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ===========================================================================
// BENCHMARK REPORTING
// ===========================================================================
//
// Structured output for forward-only throughput runs: one suite per
// invocation, stamped with the hardware it ran on, one result per batch
// size. JSON so sweeps across machines can be collected and compared
// without log scraping.
//
// ===========================================================================

// BenchmarkResult is a single measured configuration.
type BenchmarkResult struct {
	Arch         string        `json:"arch"`
	BatchSize    int           `json:"batch_size"`
	ImageSize    int           `json:"image_size"`
	Precision    Precision     `json:"precision"`
	Iterations   int           `json:"iterations"`
	Warmup       int           `json:"warmup"`
	TotalTime    time.Duration `json:"total_time_ns"`
	AvgBatchTime time.Duration `json:"avg_batch_time_ns"`
	LatencyMS    float64       `json:"latency_ms_per_image"`
	Throughput   float64       `json:"throughput_images_per_sec"`
}

// BenchmarkSuite is the full output of one benchmark invocation.
type BenchmarkSuite struct {
	Timestamp time.Time         `json:"timestamp"`
	Hardware  HardwareInfo      `json:"hardware"`
	Backend   string            `json:"backend"`
	Results   []BenchmarkResult `json:"results"`
}

// WriteJSON writes the suite to path with stable indentation.
func (s *BenchmarkSuite) WriteJSON(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("benchmark: marshal suite: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("benchmark: write %s: %w", path, err)
	}
	return nil
}

// latencyThroughput converts an average batch time into per-image latency
// (ms) and throughput (images/sec).
func latencyThroughput(avgBatchSeconds float64, batchSize int) (latencyMS, throughput float64) {
	if avgBatchSeconds <= 0 {
		return 0, 0
	}
	latencyMS = avgBatchSeconds / float64(batchSize) * 1000
	throughput = float64(batchSize) / avgBatchSeconds
	return latencyMS, throughput
}

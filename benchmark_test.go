package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestBenchForward verifies the forward sweep measures and converts
// consistently.
func TestBenchForward(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Arch = "mlp"
	cfg.NumClasses = 4
	cfg.NumIter = 3
	cfg.NumWarmup = 1

	model, err := NewModel("mlp", 4, 8)
	require.NoError(t, err)

	res, err := benchForward(cfg, model, 2, PrecisionFloat32)
	require.NoError(t, err)

	require.Equal(t, "mlp", res.Arch)
	require.Equal(t, 2, res.BatchSize)
	require.Equal(t, 3, res.Iterations)
	require.Greater(t, res.AvgBatchTime, time.Duration(0))
	require.Greater(t, res.Throughput, 0.0)
	require.InDelta(t, res.AvgBatchTime.Seconds()/2*1000, res.LatencyMS, 1e-9)
}

// TestBenchmarkSuiteJSON verifies the report round-trips through JSON.
func TestBenchmarkSuiteJSON(t *testing.T) {
	suite := &BenchmarkSuite{
		Timestamp: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Hardware:  DetectHardware(),
		Backend:   "cpu",
		Results: []BenchmarkResult{{
			Arch: "mlp", BatchSize: 8, ImageSize: 32, Precision: PrecisionFloat32,
			Iterations: 10, Warmup: 2, AvgBatchTime: 5 * time.Millisecond,
			LatencyMS: 0.625, Throughput: 1600,
		}},
	}

	path := filepath.Join(t.TempDir(), "bench.json")
	require.NoError(t, suite.WriteJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var back BenchmarkSuite
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, suite.Backend, back.Backend)
	require.Len(t, back.Results, 1)
	require.Equal(t, suite.Results[0].Throughput, back.Results[0].Throughput)
}

// TestDetectHardware verifies detection returns something usable for report
// stamping.
func TestDetectHardware(t *testing.T) {
	hw := DetectHardware()
	require.Greater(t, hw.LogicalCPUs, 0)
}

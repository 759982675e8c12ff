package main

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// ===========================================================================
// EXECUTION BACKEND
// ===========================================================================
//
// The harness targets plain CPUs. Two backends exist:
//
//   cpu      - single-threaded kernels. Deterministic, the default for
//              training so gradient sums are reproducible.
//   parallel - row-partitioned goroutine pool for the matmul-heavy paths.
//              Workers default to runtime.NumCPU().
//
// The backend is process-global and set once at startup, mirroring how a
// device is chosen once per run. Reads go through an atomic pointer because
// data-loader workers run concurrently with compute.
//
// ===========================================================================

// BackendConfig selects how tensor kernels execute.
type BackendConfig struct {
	Name              string // "cpu" or "parallel"
	Parallel          bool
	Workers           int
	ParallelThreshold int // minimum output rows before fanning out
}

// DefaultBackendConfig returns the single-threaded CPU backend.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{Name: "cpu", ParallelThreshold: 64}
}

// ParallelBackendConfig returns a goroutine-pool backend with the given
// worker count (<=0 means runtime.NumCPU()).
func ParallelBackendConfig(workers int) BackendConfig {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return BackendConfig{Name: "parallel", Parallel: true, Workers: workers, ParallelThreshold: 64}
}

// BackendForDevice maps a device name from the CLI to a backend config.
func BackendForDevice(device string, workers int) (BackendConfig, error) {
	switch device {
	case "", "cpu":
		return DefaultBackendConfig(), nil
	case "parallel":
		return ParallelBackendConfig(workers), nil
	default:
		return BackendConfig{}, fmt.Errorf("unknown device %q (supported: cpu, parallel)", device)
	}
}

var backendCfg atomic.Pointer[BackendConfig]

func init() {
	cfg := DefaultBackendConfig()
	backendCfg.Store(&cfg)
}

// SetBackend installs the process-global backend.
func SetBackend(cfg BackendConfig) {
	backendCfg.Store(&cfg)
}

func activeBackend() BackendConfig {
	return *backendCfg.Load()
}

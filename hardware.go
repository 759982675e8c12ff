package main

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// ===========================================================================
// HARDWARE DETECTION
// ===========================================================================
//
// Benchmark output without the hardware it ran on is noise. The suite header
// records OS, architecture, CPU model and the vector features that dominate
// matmul throughput, detected through cpuid rather than guessed from GOOS.
//
// ===========================================================================

// HardwareInfo describes the system a benchmark ran on.
type HardwareInfo struct {
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	CPUModel     string `json:"cpu_model"`
	PhysicalCPUs int    `json:"physical_cpus"`
	LogicalCPUs  int    `json:"logical_cpus"`
	CacheLineB   int    `json:"cache_line_bytes"`
	L2CacheKB    int    `json:"l2_cache_kb"`
	HasAVX2      bool   `json:"has_avx2"`
	HasAVX512    bool   `json:"has_avx512"`
	HasNEON      bool   `json:"has_neon"`
	HasSVE       bool   `json:"has_sve"`
}

// DetectHardware gathers CPU information for benchmark reports and logs.
func DetectHardware() HardwareInfo {
	cpu := cpuid.CPU
	info := HardwareInfo{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		CPUModel:     cpu.BrandName,
		PhysicalCPUs: cpu.PhysicalCores,
		LogicalCPUs:  runtime.NumCPU(),
		CacheLineB:   cpu.CacheLine,
		HasAVX2:      cpu.Supports(cpuid.AVX2),
		HasAVX512:    cpu.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
		HasNEON:      cpu.Supports(cpuid.ASIMD),
		HasSVE:       cpu.Supports(cpuid.SVE),
	}
	if cpu.Cache.L2 > 0 {
		info.L2CacheKB = cpu.Cache.L2 / 1024
	}
	return info
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"runtime/trace"

	"go.uber.org/zap"
)

// ===========================================================================
// PROFILING
// ===========================================================================
//
// --profile captures one representative iteration: a CPU profile plus a
// runtime execution trace, taken at the midpoint of the measurement window
// (past warmup, clear of shutdown). Artifacts land in the profile directory
// named by arch and pid so concurrent ranks don't collide.
//
// ===========================================================================

// Profiler wraps per-iteration CPU profile and trace capture.
type Profiler struct {
	Dir      string
	Arch     string
	TargetIt int

	log       *zap.Logger
	cpuFile   *os.File
	traceFile *os.File
	active    bool
	done      bool
}

// NewProfiler returns a profiler that fires on iteration targetIt, or nil if
// profiling is disabled.
func NewProfiler(enabled bool, dir, arch string, numIter, numWarmup int, log *zap.Logger) *Profiler {
	if !enabled {
		return nil
	}
	return &Profiler{
		Dir:      dir,
		Arch:     arch,
		TargetIt: (numIter + numWarmup) / 2,
		log:      log,
	}
}

// MaybeStart begins capture when it is the target iteration. Profiling
// failures are logged and ignored; they must never fail a benchmark run.
func (p *Profiler) MaybeStart(it int) {
	if p == nil || it != p.TargetIt || p.active || p.done {
		return
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		p.log.Warn("profile dir unavailable", zap.Error(err))
		return
	}
	pid := os.Getpid()
	cpuPath := filepath.Join(p.Dir, fmt.Sprintf("cpu-%s-%d-%d.pprof", p.Arch, it, pid))
	tracePath := filepath.Join(p.Dir, fmt.Sprintf("trace-%s-%d-%d.out", p.Arch, it, pid))

	cpuFile, err := os.Create(cpuPath)
	if err != nil {
		p.log.Warn("profile capture skipped", zap.Error(err))
		return
	}
	if err := pprof.StartCPUProfile(cpuFile); err != nil {
		p.log.Warn("cpu profile failed to start", zap.Error(err))
		cpuFile.Close()
		return
	}
	traceFile, err := os.Create(tracePath)
	if err == nil {
		if terr := trace.Start(traceFile); terr != nil {
			p.log.Warn("execution trace failed to start", zap.Error(terr))
			traceFile.Close()
			traceFile = nil
		}
	} else {
		p.log.Warn("trace capture skipped", zap.Error(err))
		traceFile = nil
	}

	p.cpuFile = cpuFile
	p.traceFile = traceFile
	p.active = true
	p.log.Info("profiling iteration", zap.Int("iteration", it),
		zap.String("cpu", cpuPath), zap.String("trace", tracePath))
}

// MaybeStop ends capture after the target iteration.
func (p *Profiler) MaybeStop(it int) {
	if p == nil || !p.active || it != p.TargetIt {
		return
	}
	pprof.StopCPUProfile()
	p.cpuFile.Close()
	if p.traceFile != nil {
		trace.Stop()
		p.traceFile.Close()
	}
	p.active = false
	p.done = true
}

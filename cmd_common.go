package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// ===========================================================================
// SHARED COMMAND PLUMBING
// ===========================================================================
//
// Every subcommand resolves its Config the same way (defaults, YAML file,
// flags, launcher environment), builds the same logger, and selects the same
// backend. The helpers here keep the cmd_* files down to what is actually
// different between commands.
//
// ===========================================================================

// parseConfig resolves the full configuration for a subcommand. extra, when
// non-nil, registers command-specific flags on the same flag set.
func parseConfig(name string, args []string, extra func(fs *pflag.FlagSet)) (*Config, error) {
	cfg := DefaultConfig()
	if path := PeekConfigFlag(args); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cfg.BindFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupRun builds the logger, seeds the RNG, and installs the compute
// backend.
func setupRun(cfg *Config) (*zap.Logger, error) {
	log, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}
	if cfg.Seed != 0 {
		SeedRNG(cfg.Seed)
		log.Warn("seeded run: fully reproducible batches need --workers 1")
	}
	backend, err := BackendForDevice(cfg.Device, 0)
	if err != nil {
		return nil, err
	}
	SetBackend(backend)

	hw := DetectHardware()
	log.Info("run environment",
		zap.String("cpu", hw.CPUModel),
		zap.Int("cores", hw.LogicalCPUs),
		zap.String("backend", cfg.Device),
		zap.String("precision", cfg.Precision))
	return log, nil
}

// buildModel constructs the configured architecture and loads pretrained
// weights when requested.
func buildModel(cfg *Config, log *zap.Logger) (*Model, error) {
	size, err := cfg.ResolveImageSize()
	if err != nil {
		return nil, err
	}
	model, err := NewModel(cfg.Arch, cfg.NumClasses, size)
	if err != nil {
		return nil, err
	}
	if cfg.Pretrained {
		if cfg.WeightsDir == "" {
			return nil, fmt.Errorf("--pretrained requires --weights-dir")
		}
		if err := LoadPretrained(model, cfg.WeightsDir); err != nil {
			return nil, err
		}
		log.Info("using pretrained model", zap.String("arch", cfg.Arch))
	} else {
		log.Info("creating model", zap.String("arch", cfg.Arch),
			zap.Int("image_size", size), zap.Int("num_classes", cfg.NumClasses))
	}
	return model, nil
}

// maybeCompile applies inference graph optimizations. Failure to optimize is
// not fatal: log and run the model as built.
func maybeCompile(cfg *Config, model *Model, log *zap.Logger) {
	if !cfg.Compile {
		return
	}
	folds, err := FoldBatchNorm(model)
	if err != nil {
		log.Warn("graph optimization unavailable, running unoptimized", zap.Error(err))
		return
	}
	log.Info("folded conv+bn pairs", zap.Int("folds", folds))
}

// buildDataset returns the configured train or validation dataset.
func buildDataset(cfg *Config, train bool, size int) (Dataset, error) {
	if cfg.Dummy {
		n, seed := cfg.DummyValSize, int64(5678)
		if train {
			n, seed = cfg.DummyTrainSize, 1234
		}
		return NewFakeData(n, cfg.NumClasses, size, seed), nil
	}
	sub := "val"
	if train {
		sub = "train"
	}
	return NewImageFolder(filepath.Join(cfg.Data, sub), size, train, loaderSeed(cfg))
}

// newLoader wraps a dataset with the run's batch/shard settings. Training
// shuffles and drops the partial tail batch; validation keeps order and the
// tail.
func newLoader(cfg *Config, ds Dataset, train bool) (*DataLoader, error) {
	world, rank := 1, 0
	if cfg.Distributed() {
		world, rank = cfg.WorldSize, cfg.Rank
	}
	return NewDataLoader(ds, LoaderConfig{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Shuffle:   train,
		DropLast:  train,
		Rank:      rank,
		World:     world,
		Seed:      loaderSeed(cfg),
	})
}

// sharedShuffleSeed is the default shuffle seed for unseeded distributed
// runs. Every rank must apply the same permutation or the round-robin shards
// stop being a partition of the dataset.
const sharedShuffleSeed = 0

func loaderSeed(cfg *Config) int64 {
	if cfg.Seed != 0 {
		return cfg.Seed
	}
	if cfg.Distributed() {
		return sharedShuffleSeed
	}
	return time.Now().UnixNano()
}

// distRuntime holds the pieces of a distributed run that need teardown.
type distRuntime struct {
	Coordinator  *Coordinator
	Worker       *Worker
	waitChildren func() error
}

// setupDistributed stands up the coordinator (rank 0), spawns single-node
// workers when requested, and connects this process's worker. Returns nil for
// single-process runs.
func setupDistributed(ctx context.Context, cfg *Config, log *zap.Logger) (*distRuntime, error) {
	if !cfg.Distributed() {
		return nil, nil
	}
	if cfg.DistURL == "env://" {
		return nil, fmt.Errorf("dist-url env:// requires %s in the environment", envDistURL)
	}
	listenAddr, dialURL, err := ParseDistURL(cfg.DistURL)
	if err != nil {
		return nil, err
	}
	if cfg.Spawn {
		// The parent process stays on as rank 0.
		cfg.Rank = 0
	}

	rt := &distRuntime{}
	if cfg.Rank == 0 {
		coord, err := StartCoordinator(listenAddr, cfg.WorldSize, log)
		if err != nil {
			return nil, err
		}
		rt.Coordinator = coord
	}
	if cfg.Spawn {
		wait, err := SpawnWorkers(ctx, cfg.WorldSize, cfg.DistURL, log)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.waitChildren = wait
	}
	log.Info("joining process group",
		zap.Int("rank", cfg.Rank), zap.Int("world_size", cfg.WorldSize),
		zap.String("dist_url", cfg.DistURL))
	worker, err := ConnectWorker(dialURL, cfg.Rank, cfg.WorldSize, time.Minute)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Worker = worker
	return rt, nil
}

// Finish performs orderly teardown: the worker leaves the group, spawned
// children are awaited, then the coordinator shuts down.
func (rt *distRuntime) Finish() error {
	if rt == nil {
		return nil
	}
	var firstErr error
	if rt.Worker != nil {
		if err := rt.Worker.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		rt.Worker = nil
	}
	if rt.waitChildren != nil {
		if err := rt.waitChildren(); err != nil && firstErr == nil {
			firstErr = err
		}
		rt.waitChildren = nil
	}
	if rt.Coordinator != nil {
		if err := rt.Coordinator.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		rt.Coordinator = nil
	}
	return firstErr
}

// Close tears down without waiting for children; error path cleanup.
func (rt *distRuntime) Close() {
	if rt == nil {
		return
	}
	if rt.Worker != nil {
		rt.Worker.Close()
	}
	if rt.Coordinator != nil {
		rt.Coordinator.Close()
	}
}

// recordRun persists one run's outcome to the results database when
// configured. Rank 0 only; reporting failures never fail the run.
func recordRun(cfg *Config, command string, stats epochStats, started, finished time.Time, log *zap.Logger) {
	if cfg.ResultsDB == "" || cfg.Rank != 0 {
		return
	}
	store, err := OpenResultStore(cfg.ResultsDB)
	if err != nil {
		log.Warn("results database unavailable", zap.Error(err))
		return
	}
	defer store.Close()

	size, _ := cfg.ResolveImageSize()
	rec := RunRecord{
		ID:         uuid.NewString(),
		Command:    command,
		Arch:       cfg.Arch,
		BatchSize:  cfg.BatchSize,
		ImageSize:  size,
		Precision:  cfg.Precision,
		Backend:    cfg.Device,
		WorldSize:  cfg.WorldSize,
		Iterations: stats.Iterations,
		LatencyMS:  stats.LatencyMS,
		Throughput: stats.Throughput,
		Acc1:       stats.Acc1,
		Acc5:       stats.Acc5,
		Loss:       stats.Loss,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if err := store.Insert(rec); err != nil {
		log.Warn("failed to record run", zap.Error(err))
		return
	}
	log.Info("run recorded", zap.String("id", rec.ID), zap.String("db", cfg.ResultsDB))
}

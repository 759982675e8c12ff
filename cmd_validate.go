package main

import (
	"context"
	"fmt"
	"time"
)

// RunValidateCommand implements the inference/evaluation CLI: a forward-only
// pass reporting top-1/top-5 accuracy, per-image latency, and throughput.
func RunValidateCommand(args []string) error {
	cfg, err := parseConfig("validate", args, nil)
	if err != nil {
		return err
	}
	log, err := setupRun(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	started := time.Now()

	rt, err := setupDistributed(ctx, cfg, log)
	if err != nil {
		return err
	}
	var worker *Worker
	if rt != nil {
		worker = rt.Worker
		defer rt.Close()
	}

	model, err := buildModel(cfg, log)
	if err != nil {
		return err
	}
	if cfg.Resume != "" {
		meta, err := LoadCheckpointInto(cfg.Resume, model.Parameters(), nil)
		if err != nil {
			return err
		}
		if meta.Arch != model.Arch {
			return fmt.Errorf("checkpoint %s was trained with %s, not %s", cfg.Resume, meta.Arch, model.Arch)
		}
		log.Info("loaded checkpoint weights")
	}

	maybeCompile(cfg, model, log)

	precision, err := ParsePrecision(cfg.Precision)
	if err != nil {
		return err
	}
	if precision != PrecisionFloat32 {
		for _, p := range model.Parameters() {
			RoundTensor(p, precision)
		}
	}

	size, err := cfg.ResolveImageSize()
	if err != nil {
		return err
	}
	valSet, err := buildDataset(cfg, false, size)
	if err != nil {
		return err
	}
	valLoader, err := newLoader(cfg, valSet, false)
	if err != nil {
		return err
	}

	env := &trainEnv{
		cfg:       cfg,
		model:     model,
		precision: precision,
		worker:    worker,
		profiler:  NewProfiler(cfg.Profile, cfg.ProfileDir, cfg.Arch, cfg.NumIter, cfg.NumWarmup, log),
		log:       log,
	}
	stats, err := runValidate(ctx, env, valLoader)
	if err != nil {
		return err
	}

	recordRun(cfg, "validate", stats, started, time.Now(), log)
	return rt.Finish()
}

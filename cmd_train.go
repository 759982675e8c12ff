package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RunTrainCommand implements the training CLI: bounded epochs of SGD over
// real or synthetic ImageNet-style data, periodic validation, and
// checkpointing of the latest and best models.
func RunTrainCommand(args []string) error {
	cfg, err := parseConfig("train", args, nil)
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
	if cfg.Compile {
		log.Warn("conv+bn folding is inference-only, ignoring --compile for training")
	}

	precision, err := ParsePrecision(cfg.Precision)
	if err != nil {
		return err
	}
	var scaler *LossScaler
	if precision != PrecisionFloat32 {
		scaler = NewLossScaler()
		log.Info("mixed precision enabled", zap.String("format", string(precision)),
			zap.Float64("initial_scale", scaler.Scale))
	}

	opt := NewSGDOptimizer(cfg.Momentum, cfg.WeightDecay)
	sched := NewStepLR(cfg.LR, 30, 0.1)

	startEpoch := cfg.StartEpoch
	bestAcc1 := 0.0
	if cfg.Resume != "" {
		meta, err := resumeCheckpoint(cfg.Resume, model, opt)
		if err != nil {
			return err
		}
		startEpoch = meta.Epoch
		bestAcc1 = meta.BestAcc1
		log.Info("resumed from checkpoint", zap.String("path", cfg.Resume),
			zap.Int("epoch", startEpoch), zap.Float64("best_acc1", bestAcc1))
	}

	size, err := cfg.ResolveImageSize()
	if err != nil {
		return err
	}
	trainSet, err := buildDataset(cfg, true, size)
	if err != nil {
		return err
	}
	valSet, err := buildDataset(cfg, false, size)
	if err != nil {
		return err
	}
	trainLoader, err := newLoader(cfg, trainSet, true)
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
		opt:       opt,
		scaler:    scaler,
		precision: precision,
		worker:    worker,
		profiler:  NewProfiler(cfg.Profile, cfg.ProfileDir, cfg.Arch, cfg.NumIter, cfg.NumWarmup, log),
		log:       log,
	}

	var lastVal epochStats
	for epoch := startEpoch; epoch < cfg.Epochs; epoch++ {
		lr := sched.LR(epoch)
		log.Info("epoch starting", zap.Int("epoch", epoch), zap.Float64("lr", lr))

		if _, err := trainOneEpoch(ctx, env, trainLoader, epoch, lr); err != nil {
			return err
		}
		valStats, err := runValidate(ctx, env, valLoader)
		if err != nil {
			return err
		}
		lastVal = valStats

		isBest := valStats.Acc1 > bestAcc1
		if isBest {
			bestAcc1 = valStats.Acc1
		}
		if cfg.Rank == 0 {
			if err := saveTrainCheckpoint(cfg, model, opt, epoch, bestAcc1, precision, isBest); err != nil {
				return err
			}
		}
	}

	recordRun(cfg, "train", lastVal, started, time.Now(), log)
	return rt.Finish()
}

// resumeCheckpoint restores model parameters and optimizer momentum from a
// training checkpoint.
func resumeCheckpoint(path string, model *Model, opt *SGDOptimizer) (*CheckpointMeta, error) {
	meta, err := ReadCheckpointMeta(path)
	if err != nil {
		return nil, err
	}
	if meta.Arch != model.Arch {
		return nil, fmt.Errorf("checkpoint %s was trained with %s, not %s", path, meta.Arch, model.Arch)
	}
	params := model.Parameters()
	var momentum [][]float32
	if meta.HasOptimizer {
		momentum = make([][]float32, len(params))
		for i, p := range params {
			momentum[i] = make([]float32, len(p.Data))
		}
	}
	if _, err := LoadCheckpointInto(path, params, momentum); err != nil {
		return nil, err
	}
	if momentum != nil {
		opt.SetMomentumBuffers(momentum)
	}
	return meta, nil
}

// saveTrainCheckpoint writes the per-epoch checkpoint and copies it to the
// best path after a new best accuracy.
func saveTrainCheckpoint(cfg *Config, model *Model, opt *SGDOptimizer, epoch int, bestAcc1 float64, precision Precision, isBest bool) error {
	meta := CheckpointMeta{
		Arch:       model.Arch,
		NumClasses: model.NumClasses,
		ImageSize:  model.ImageSize,
		Epoch:      epoch + 1,
		BestAcc1:   bestAcc1,
		Precision:  precision,
	}
	if err := SaveCheckpoint(cfg.Checkpoint, meta, model.Parameters(), opt.MomentumBuffers()); err != nil {
		return err
	}
	if isBest {
		return CopyBest(cfg.Checkpoint, cfg.BestPath)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ===========================================================================
// TRAINING LOOP
// ===========================================================================
//
// One epoch of SGD with the classic benchmark instrumentation: per-iteration
// data and compute timers, running loss and top-1/top-5 accuracy, a progress
// line every print interval, and a measured window that excludes warmup
// iterations. The epoch is bounded by --num-iter so ImageNet-scale datasets
// still produce a result in minutes.
//
// Distributed runs reduce gradients across ranks every step, before the
// optimizer update. With a loss scaler the gradients are reduced while still
// scaled and unscaled afterwards, so the overflow decision is made on
// identical data everywhere and no rank skips a step the others take.
//
// ===========================================================================

// trainEnv bundles the long-lived pieces the epoch loop needs.
type trainEnv struct {
	cfg       *Config
	model     *Model
	opt       Optimizer
	scaler    *LossScaler // nil for full precision
	precision Precision
	worker    *Worker // nil for single-process runs
	profiler  *Profiler
	log       *zap.Logger
}

// epochStats summarizes the measured window of one epoch or validation pass.
type epochStats struct {
	Loss       float64
	Acc1       float64
	Acc5       float64
	LatencyMS  float64
	Throughput float64
	Iterations int
}

// trainOneEpoch runs one bounded epoch and returns its measured stats.
func trainOneEpoch(ctx context.Context, env *trainEnv, loader *DataLoader, epoch int, lr float64) (epochStats, error) {
	cfg := env.cfg
	batchTime := NewAverageMeter("Time", "%6.3f", SummaryNone)
	dataTime := NewAverageMeter("Data", "%6.3f", SummaryNone)
	losses := NewAverageMeter("Loss", "%.4e", SummaryNone)
	top1 := NewAverageMeter("Acc@1", "%6.2f", SummaryNone)
	top5 := NewAverageMeter("Acc@5", "%6.2f", SummaryNone)
	progress := NewProgressMeter(loader.NumBatches(),
		[]*AverageMeter{batchTime, dataTime, losses, top1, top5},
		fmt.Sprintf("Epoch: [%d]", epoch))

	k5 := topKForClasses(env.model.NumClasses)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, wait := loader.Iter(ctx, epoch)

	it := 0
	end := time.Now()
	for batch := range batches {
		dataTime.Update(time.Since(end).Seconds(), 1)
		start := time.Now()

		if env.precision != PrecisionFloat32 {
			RoundTensor(batch.Images, env.precision)
		}

		env.profiler.MaybeStart(it)
		logits := env.model.Forward(batch.Images, true)
		loss, dlogits := SoftmaxCrossEntropy(logits, batch.Targets)
		accs := Accuracy(logits, batch.Targets, 1, k5)

		n := len(batch.Targets)
		losses.Update(loss, n)
		top1.Update(accs[0], n)
		top5.Update(accs[1], n)

		env.model.ZeroGrad()
		if env.scaler != nil {
			scale := float32(env.scaler.Scale)
			for i := range dlogits.Data {
				dlogits.Data[i] *= scale
			}
		}
		env.model.Backward(dlogits)

		params := env.model.Parameters()
		if env.worker != nil {
			if err := AllReduceGradients(env.worker, params); err != nil {
				cancel()
				return epochStats{}, fmt.Errorf("train epoch %d: %w", epoch, err)
			}
		}
		overflow := false
		if env.scaler != nil {
			overflow = env.scaler.Unscale(params)
		}
		if !overflow {
			env.opt.Step(params, lr)
		} else {
			env.log.Warn("gradient overflow, skipping step",
				zap.Int("epoch", epoch), zap.Int("iteration", it),
				zap.Float64("scale", env.scaler.Scale))
		}
		if env.scaler != nil {
			env.scaler.Update(overflow)
		}
		env.profiler.MaybeStop(it)

		if it >= cfg.NumWarmup {
			batchTime.Update(time.Since(start).Seconds(), 1)
		}
		end = time.Now()

		it++
		if it%cfg.PrintFreq == 0 {
			progress.Display(it)
		}
		if it == cfg.NumIter {
			cancel()
			break
		}
	}
	if err := wait(); err != nil && !errors.Is(err, context.Canceled) {
		return epochStats{}, fmt.Errorf("train epoch %d: %w", epoch, err)
	}

	stats := epochStats{
		Loss:       losses.Avg,
		Acc1:       top1.Avg,
		Acc5:       top5.Avg,
		Iterations: it,
	}
	stats.LatencyMS, stats.Throughput = latencyThroughput(batchTime.Avg, cfg.BatchSize)
	fmt.Printf("training latency: %.3f ms on epoch %d\n", stats.LatencyMS, epoch)
	fmt.Printf("training throughput: %.3f fps on epoch %d\n", stats.Throughput, epoch)
	return stats, nil
}

// topKForClasses clamps the usual top-5 metric for toy class counts.
func topKForClasses(numClasses int) int {
	if numClasses < 5 {
		return numClasses
	}
	return 5
}

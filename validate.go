package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ===========================================================================
// VALIDATION LOOP
// ===========================================================================
//
// Forward-only pass over the validation set with the same warmup/measured
// window as training. Reduced-precision runs round the input batch through
// the 16-bit format; the command layer has already rounded the weights.
//
// Distributed runs even out the shards by dropping the tail, then reduce the
// accuracy meters across ranks and finish with an auxiliary pass over the
// dropped samples so the reported accuracy covers the full set.
//
// ===========================================================================

// runValidate evaluates the model and returns aggregate accuracy and timing.
func runValidate(ctx context.Context, env *trainEnv, loader *DataLoader) (epochStats, error) {
	cfg := env.cfg
	batchTime := NewAverageMeter("Time", "%6.3f", SummaryNone)
	losses := NewAverageMeter("Loss", "%.4e", SummaryNone)
	top1 := NewAverageMeter("Acc@1", "%6.2f", SummaryAverage)
	top5 := NewAverageMeter("Acc@5", "%6.2f", SummaryAverage)
	progress := NewProgressMeter(loader.NumBatches(),
		[]*AverageMeter{batchTime, losses, top1, top5}, "Test: ")

	k5 := topKForClasses(env.model.NumClasses)

	runBatch := func(batch *Batch) {
		if env.precision != PrecisionFloat32 {
			RoundTensor(batch.Images, env.precision)
		}
		logits := env.model.Forward(batch.Images, false)
		loss, _ := SoftmaxCrossEntropy(logits, batch.Targets)
		accs := Accuracy(logits, batch.Targets, 1, k5)

		n := len(batch.Targets)
		losses.Update(loss, n)
		top1.Update(accs[0], n)
		top5.Update(accs[1], n)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, wait := loader.Iter(ctx, 0)

	it := 0
	for batch := range batches {
		start := time.Now()
		env.profiler.MaybeStart(it)
		runBatch(batch)
		env.profiler.MaybeStop(it)

		if it >= cfg.NumWarmup {
			batchTime.Update(time.Since(start).Seconds(), 1)
		}

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
		return epochStats{}, fmt.Errorf("validate: %w", err)
	}

	if env.worker != nil {
		for _, m := range []*AverageMeter{losses, top1, top5} {
			if err := m.AllReduce(env.worker); err != nil {
				return epochStats{}, fmt.Errorf("validate: %w", err)
			}
		}
		// Even sharding dropped the tail samples; fold them in so the
		// reported accuracy covers the whole set.
		if leftover := loader.LeftoverIndices(); len(leftover) > 0 {
			env.log.Debug("validating sharding leftovers", zap.Int("samples", len(leftover)))
			for start := 0; start < len(leftover); start += cfg.BatchSize {
				stop := start + cfg.BatchSize
				if stop > len(leftover) {
					stop = len(leftover)
				}
				batch, err := loader.LoadBatch(leftover[start:stop])
				if err != nil {
					return epochStats{}, fmt.Errorf("validate leftovers: %w", err)
				}
				runBatch(batch)
			}
		}
	}

	progress.DisplaySummary()

	stats := epochStats{
		Loss:       losses.Avg,
		Acc1:       top1.Avg,
		Acc5:       top5.Avg,
		Iterations: it,
	}
	stats.LatencyMS, stats.Throughput = latencyThroughput(batchTime.Avg, cfg.BatchSize)
	fmt.Printf("inference latency: %.3f ms\n", stats.LatencyMS)
	fmt.Printf("inference throughput: %.3f fps\n", stats.Throughput)
	return stats, nil
}

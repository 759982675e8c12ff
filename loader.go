package main

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// DATA LOADER
// ===========================================================================
//
// Batched, prefetching loader over a Dataset. A pool of worker goroutines
// decodes and assembles batches ahead of the compute loop, feeding a bounded
// channel; with several workers, batch order within an epoch is not
// deterministic, which is fine for the shuffled training path and harmless
// for validation aggregates.
//
// Distributed runs shard the index space round-robin by rank. Every rank
// sees floor(len/world) samples so meter counts stay balanced; the few
// dropped tail samples can be fetched explicitly through LeftoverIndices for
// the exact-accuracy auxiliary validation pass.
//
// ===========================================================================

// Batch is one training/validation step's worth of samples.
type Batch struct {
	Images  *Tensor // [N, 3, S, S]
	Targets []int
	Index   int // batch ordinal within the epoch shard
}

// LoaderConfig configures a DataLoader.
type LoaderConfig struct {
	BatchSize int
	Workers   int
	Shuffle   bool
	DropLast  bool
	Rank      int
	World     int
	Seed      int64
	Prefetch  int // channel depth; defaults to 2*Workers
}

// DataLoader iterates a Dataset in batches.
type DataLoader struct {
	ds  Dataset
	cfg LoaderConfig
}

// NewDataLoader validates the config and wraps the dataset.
func NewDataLoader(ds Dataset, cfg LoaderConfig) (*DataLoader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.World <= 0 {
		cfg.World = 1
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.World {
		return nil, fmt.Errorf("loader: rank %d out of range for world %d", cfg.Rank, cfg.World)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 2 * cfg.Workers
	}
	return &DataLoader{ds: ds, cfg: cfg}, nil
}

// ShardLen returns the number of samples this rank iterates per epoch.
func (l *DataLoader) ShardLen() int {
	n := l.ds.Len() / l.cfg.World
	if l.cfg.DropLast {
		n = n / l.cfg.BatchSize * l.cfg.BatchSize
	}
	return n
}

// NumBatches returns the number of batches per epoch on this rank.
func (l *DataLoader) NumBatches() int {
	n := l.ShardLen()
	if l.cfg.DropLast {
		return n / l.cfg.BatchSize
	}
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// LeftoverIndices returns the dataset indices dropped by even sharding, in
// order. Empty for single-process runs.
func (l *DataLoader) LeftoverIndices() []int {
	if l.cfg.World <= 1 {
		return nil
	}
	covered := l.ShardLen() * l.cfg.World
	var idx []int
	for i := covered; i < l.ds.Len(); i++ {
		idx = append(idx, i)
	}
	return idx
}

// Iter launches the prefetch workers for one epoch and returns the batch
// channel plus a wait function that reports the first worker error. The
// channel closes when the epoch is exhausted or the context is canceled.
func (l *DataLoader) Iter(ctx context.Context, epoch int) (<-chan *Batch, func() error) {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		rng := rand.New(rand.NewSource(l.cfg.Seed + int64(epoch)))
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	// Round-robin shard, truncated so every rank gets the same count.
	shardLen := l.ShardLen()
	shard := make([]int, 0, shardLen)
	for i := l.cfg.Rank; i < len(order) && len(shard) < shardLen; i += l.cfg.World {
		shard = append(shard, order[i])
	}

	jobs := make(chan *batchJob)
	out := make(chan *Batch, l.cfg.Prefetch)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < l.cfg.Workers; w++ {
		g.Go(func() error {
			for job := range jobs {
				batch, err := l.LoadBatch(job.indices)
				if err != nil {
					return err
				}
				batch.Index = job.ordinal
				select {
				case out <- batch:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		defer close(jobs)
		ordinal := 0
		for start := 0; start < len(shard); start += l.cfg.BatchSize {
			end := start + l.cfg.BatchSize
			if end > len(shard) {
				if l.cfg.DropLast {
					return
				}
				end = len(shard)
			}
			select {
			case jobs <- &batchJob{indices: shard[start:end], ordinal: ordinal}:
			case <-ctx.Done():
				return
			}
			ordinal++
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(out)
	}()

	return out, func() error { return <-done }
}

type batchJob struct {
	indices []int
	ordinal int
}

// LoadBatch assembles one batch from explicit dataset indices. Used by the
// prefetch workers and by the auxiliary validation pass.
func (l *DataLoader) LoadBatch(indices []int) (*Batch, error) {
	size := l.ds.ImageSize()
	sample := 3 * size * size
	images := NewTensor(len(indices), 3, size, size)
	targets := make([]int, len(indices))
	for i, idx := range indices {
		label, err := l.ds.Sample(idx, images.Data[i*sample:(i+1)*sample])
		if err != nil {
			return nil, fmt.Errorf("loader: sample %d: %w", idx, err)
		}
		targets[i] = label
	}
	return &Batch{Images: images, Targets: targets}, nil
}

package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// RunBenchmarkCommand implements the forward-only throughput sweep: one
// measured pass per batch size on synthetic data, written out as a JSON
// suite stamped with the host hardware.
func RunBenchmarkCommand(args []string) error {
	var batchSizes []int
	var output string
	cfg, err := parseConfig("benchmark", args, func(fs *pflag.FlagSet) {
		fs.IntSliceVar(&batchSizes, "batch-sizes", []int{1, 16, 64, 256}, "batch sizes to sweep")
		fs.StringVar(&output, "output", "benchmark.json", "path for the JSON benchmark report")
	})
	if err != nil {
		return err
	}
	log, err := setupRun(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	started := time.Now()

	model, err := buildModel(cfg, log)
	if err != nil {
		return err
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

	suite := &BenchmarkSuite{
		Timestamp: started.UTC(),
		Hardware:  DetectHardware(),
		Backend:   cfg.Device,
	}
	for _, bs := range batchSizes {
		if bs <= 0 {
			return fmt.Errorf("benchmark: batch size must be positive, got %d", bs)
		}
		log.Info("benchmarking", zap.String("arch", cfg.Arch), zap.Int("batch_size", bs))
		res, err := benchForward(cfg, model, bs, precision)
		if err != nil {
			return err
		}
		suite.Results = append(suite.Results, res)
		fmt.Printf("%s batch %4d: %.3f ms/image, %.1f images/sec\n",
			cfg.Arch, bs, res.LatencyMS, res.Throughput)
	}

	if err := suite.WriteJSON(output); err != nil {
		return err
	}
	log.Info("benchmark report written", zap.String("path", output))

	if cfg.ResultsDB != "" {
		recordBenchmarkRuns(cfg, suite, started, time.Now(), log)
	}
	return nil
}

// benchForward measures the model's forward pass at one batch size. The same
// synthetic batch is reused every iteration so the measurement is pure
// compute.
func benchForward(cfg *Config, model *Model, batchSize int, precision Precision) (BenchmarkResult, error) {
	size := model.ImageSize
	ds := NewFakeData(batchSize, model.NumClasses, size, 42)
	images := NewTensor(batchSize, 3, size, size)
	sample := 3 * size * size
	for i := 0; i < batchSize; i++ {
		if _, err := ds.Sample(i, images.Data[i*sample:(i+1)*sample]); err != nil {
			return BenchmarkResult{}, err
		}
	}
	if precision != PrecisionFloat32 {
		RoundTensor(images, precision)
	}

	var total time.Duration
	for it := 0; it < cfg.NumWarmup+cfg.NumIter; it++ {
		start := time.Now()
		model.Forward(images, false)
		if it >= cfg.NumWarmup {
			total += time.Since(start)
		}
	}
	avg := total / time.Duration(cfg.NumIter)
	lat, fps := latencyThroughput(avg.Seconds(), batchSize)
	return BenchmarkResult{
		Arch:         model.Arch,
		BatchSize:    batchSize,
		ImageSize:    size,
		Precision:    precision,
		Iterations:   cfg.NumIter,
		Warmup:       cfg.NumWarmup,
		TotalTime:    total,
		AvgBatchTime: avg,
		LatencyMS:    lat,
		Throughput:   fps,
	}, nil
}

// recordBenchmarkRuns persists one results row per swept batch size.
func recordBenchmarkRuns(cfg *Config, suite *BenchmarkSuite, started, finished time.Time, log *zap.Logger) {
	store, err := OpenResultStore(cfg.ResultsDB)
	if err != nil {
		log.Warn("results database unavailable", zap.Error(err))
		return
	}
	defer store.Close()

	for _, res := range suite.Results {
		rec := RunRecord{
			ID:         uuid.NewString(),
			Command:    "benchmark",
			Arch:       res.Arch,
			BatchSize:  res.BatchSize,
			ImageSize:  res.ImageSize,
			Precision:  string(res.Precision),
			Backend:    cfg.Device,
			WorldSize:  1,
			Iterations: res.Iterations,
			LatencyMS:  res.LatencyMS,
			Throughput: res.Throughput,
			StartedAt:  started,
			FinishedAt: finished,
		}
		if err := store.Insert(rec); err != nil {
			log.Warn("failed to record benchmark run", zap.Error(err))
		}
	}
}

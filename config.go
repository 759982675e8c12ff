package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ===========================================================================
// RUN CONFIGURATION
// ===========================================================================
//
// One Config drives every command. Values resolve in precedence order:
// defaults, then the optional YAML file named by --config, then flags, then
// the RANK/WORLD_SIZE/DIST_URL environment set by the launcher for spawned
// workers. Commands share BindFlags so the surface stays consistent.
//
// ===========================================================================

// Config holds every run knob.
type Config struct {
	ConfigFile string `yaml:"-"`

	// Data
	Data       string `yaml:"data"`
	Dummy      bool   `yaml:"dummy"`
	NumClasses int    `yaml:"num_classes"`
	ImageSize  int    `yaml:"image_size"`
	Workers    int    `yaml:"workers"`

	// Model
	Arch       string `yaml:"arch"`
	Pretrained bool   `yaml:"pretrained"`
	WeightsDir string `yaml:"weights_dir"`
	Compile    bool   `yaml:"compile"`

	// Optimization
	Epochs      int     `yaml:"epochs"`
	StartEpoch  int     `yaml:"start_epoch"`
	BatchSize   int     `yaml:"batch_size"`
	LR          float64 `yaml:"lr"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`

	// Execution
	Device    string `yaml:"device"`
	Precision string `yaml:"precision"`
	Seed      int64  `yaml:"seed"`

	// Measurement
	NumIter    int    `yaml:"num_iter"`
	NumWarmup  int    `yaml:"num_warmup"`
	PrintFreq  int    `yaml:"print_freq"`
	Profile    bool   `yaml:"profile"`
	ProfileDir string `yaml:"profile_dir"`

	// Checkpointing
	Resume     string `yaml:"resume"`
	Checkpoint string `yaml:"checkpoint"`
	BestPath   string `yaml:"best_path"`

	// Distributed
	WorldSize int    `yaml:"world_size"`
	Rank      int    `yaml:"rank"`
	DistURL   string `yaml:"dist_url"`
	Spawn     bool   `yaml:"multiprocessing_distributed"`

	// Reporting
	ResultsDB string `yaml:"results_db"`
	Debug     bool   `yaml:"debug"`

	// Fake-data sizing (ImageNet-scale defaults).
	DummyTrainSize int `yaml:"dummy_train_size"`
	DummyValSize   int `yaml:"dummy_val_size"`
}

// DefaultConfig mirrors the conventional ImageNet benchmark defaults.
func DefaultConfig() *Config {
	return &Config{
		Data:           "imagenet",
		NumClasses:     1000,
		Workers:        4,
		Arch:           "resnet18",
		Epochs:         90,
		BatchSize:      256,
		LR:             0.1,
		Momentum:       0.9,
		WeightDecay:    1e-4,
		Device:         "cpu",
		Precision:      string(PrecisionFloat32),
		NumIter:        200,
		NumWarmup:      20,
		PrintFreq:      10,
		ProfileDir:     "timeline",
		Checkpoint:     "checkpoint.ckpt",
		BestPath:       "model_best.ckpt",
		WorldSize:      1,
		Rank:           0,
		DistURL:        "tcp://127.0.0.1:23456",
		DummyTrainSize: 1281167,
		DummyValSize:   50000,
	}
}

// BindFlags registers every knob on the command's flag set.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "path to a YAML run configuration")

	fs.StringVar(&c.Data, "data", c.Data, "path to the dataset root (train/ and val/ subdirs)")
	fs.BoolVar(&c.Dummy, "dummy", c.Dummy, "use synthetic data instead of a dataset on disk")
	fs.IntVar(&c.NumClasses, "num-classes", c.NumClasses, "number of classes in the dataset")
	fs.IntVar(&c.ImageSize, "image-size", c.ImageSize, "input resolution (0 = architecture default)")
	fs.IntVarP(&c.Workers, "workers", "j", c.Workers, "number of data loading workers")

	fs.StringVarP(&c.Arch, "arch", "a", c.Arch, "model architecture: "+strings.Join(ModelNames(), " | "))
	fs.BoolVar(&c.Pretrained, "pretrained", c.Pretrained, "load pretrained weights")
	fs.StringVar(&c.WeightsDir, "weights-dir", c.WeightsDir, "directory holding pretrained weight checkpoints")
	fs.BoolVar(&c.Compile, "compile", c.Compile, "apply graph optimizations (conv+bn folding) before inference")

	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "number of total epochs to run")
	fs.IntVar(&c.StartEpoch, "start-epoch", c.StartEpoch, "manual epoch number (useful on restarts)")
	fs.IntVarP(&c.BatchSize, "batch-size", "b", c.BatchSize, "mini-batch size per process")
	fs.Float64Var(&c.LR, "lr", c.LR, "initial learning rate")
	fs.Float64Var(&c.Momentum, "momentum", c.Momentum, "SGD momentum")
	fs.Float64Var(&c.WeightDecay, "wd", c.WeightDecay, "weight decay")

	fs.StringVar(&c.Device, "device", c.Device, "execution backend: cpu or parallel")
	fs.StringVar(&c.Precision, "precision", c.Precision, "numeric precision: float32, float16 or bfloat16")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "seed for reproducible initialization (0 = unseeded)")

	fs.IntVar(&c.NumIter, "num-iter", c.NumIter, "measured iterations per epoch/pass")
	fs.IntVar(&c.NumWarmup, "num-warmup", c.NumWarmup, "warmup iterations excluded from timing")
	fs.IntVarP(&c.PrintFreq, "print-freq", "p", c.PrintFreq, "print frequency in iterations")
	fs.BoolVar(&c.Profile, "profile", c.Profile, "capture a CPU profile and execution trace mid-run")
	fs.StringVar(&c.ProfileDir, "profile-dir", c.ProfileDir, "directory for profile artifacts")

	fs.StringVar(&c.Resume, "resume", c.Resume, "path to a checkpoint to resume from")
	fs.StringVar(&c.Checkpoint, "checkpoint", c.Checkpoint, "path for the per-epoch checkpoint")
	fs.StringVar(&c.BestPath, "best-path", c.BestPath, "path for the best-accuracy checkpoint copy")

	fs.IntVar(&c.WorldSize, "world-size", c.WorldSize, "number of distributed processes")
	fs.IntVar(&c.Rank, "rank", c.Rank, "rank of this process")
	fs.StringVar(&c.DistURL, "dist-url", c.DistURL, "coordinator endpoint (tcp://host:port or env://)")
	fs.BoolVar(&c.Spawn, "multiprocessing-distributed", c.Spawn, "spawn one process per worker on this node")

	fs.StringVar(&c.ResultsDB, "results-db", c.ResultsDB, "SQLite database for run results (empty = disabled)")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging")
}

// LoadFile overlays YAML values onto the config.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// PeekConfigFlag extracts the --config value before full flag parsing so the
// file's values become flag defaults and explicit flags still win.
func PeekConfigFlag(args []string) string {
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(a, "--config=") {
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return ""
}

// ApplyEnv folds in the launcher environment. For env:// runs the
// environment is the only source of rank and world size.
func (c *Config) ApplyEnv() error {
	if rank, world, ok := RankFromEnv(); ok {
		c.Rank = rank
		c.WorldSize = world
		// Spawned children must not spawn again.
		c.Spawn = false
	} else if c.DistURL == "env://" {
		return fmt.Errorf("config: dist-url env:// requires %s and %s in the environment", envRank, envWorld)
	}
	if url := os.Getenv(envDistURL); url != "" {
		c.DistURL = url
	}
	return nil
}

// Distributed reports whether this run uses more than one process.
func (c *Config) Distributed() bool {
	return c.WorldSize > 1 || c.Spawn
}

// Validate rejects inconsistent configurations with explicit errors.
func (c *Config) Validate() error {
	if _, ok := archRegistry[c.Arch]; !ok {
		return unknownArchError(c.Arch)
	}
	if _, err := ParsePrecision(c.Precision); err != nil {
		return err
	}
	if _, err := BackendForDevice(c.Device, 0); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch size must be positive, got %d", c.BatchSize)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("config: num-classes must be positive, got %d", c.NumClasses)
	}
	if c.NumIter <= 0 {
		return fmt.Errorf("config: num-iter must be positive, got %d", c.NumIter)
	}
	if c.NumWarmup < 0 {
		return fmt.Errorf("config: num-warmup cannot be negative, got %d", c.NumWarmup)
	}
	if c.WorldSize < 1 {
		return fmt.Errorf("config: world-size must be at least 1, got %d", c.WorldSize)
	}
	if c.Distributed() {
		if c.DistURL == "" {
			return fmt.Errorf("config: distributed runs need a dist-url")
		}
		if c.DistURL != "env://" {
			if _, _, err := ParseDistURL(c.DistURL); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResolveImageSize returns the effective input resolution for the run.
func (c *Config) ResolveImageSize() (int, error) {
	if c.ImageSize > 0 {
		return c.ImageSize, nil
	}
	return DefaultImageSize(c.Arch)
}

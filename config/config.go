// Package config loads the experiment configuration from YAML into an immutable,
// validated Config value.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound   = errors.New("config file not found")
	ErrMalformed  = errors.New("malformed config")
	ErrMissingKey = errors.New("missing required config key")
	ErrInvalid    = errors.New("invalid config value")
)

// Config is the complete experiment configuration. It is built once by Load and passed
// by value; nothing mutates it afterwards.
type Config struct {
	Distributed bool
	GPU         bool
	Devices     int
	Seed        int64
	Data        DataConfig
	Model       ModelConfig
	Train       TrainConfig
	Evaluate    EvaluateConfig
	Monitor     MonitorConfig
}

type DataConfig struct {
	Root      string
	Download  bool
	Mirror    string
	BatchSize int
	Shuffle   bool
	Workers   int
	PinMemory bool
}

type ModelConfig struct {
	Channels   []int
	KernelSize int
	Classes    int
}

// TrainConfig groups the training phase settings.
type TrainConfig struct {
	Resume           bool
	Optimizer        string
	CheckpointDir    string
	CheckpointFormat string
	LogEvery         int
	Hyperparameters  TrainHyperparameters
}

type TrainHyperparameters struct {
	LR          float64
	TotalEpochs int
	WeightDecay float64
	Momentum    float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	Scheduler   string
	LRStep      int
	LRGamma     float64
}

type EvaluateConfig struct {
	Hyperparameters EvaluateHyperparameters
}

type EvaluateHyperparameters struct {
	LR          float64
	WeightDecay float64
}

// MonitorConfig controls the optional live training monitor. An empty Addr disables
// the HTTP server; an empty PlotDir disables writing plots to disk.
type MonitorConfig struct {
	Addr    string
	PlotDir string
}

// file mirrors the YAML layout. Pointers distinguish a missing key from a zero value.
type file struct {
	Distributed *bool  `yaml:"distributed"`
	GPU         *bool  `yaml:"gpu"`
	Devices     *int   `yaml:"devices"`
	Seed        *int64 `yaml:"seed"`
	Data        struct {
		Root      *string `yaml:"root"`
		Download  *bool   `yaml:"download"`
		Mirror    *string `yaml:"mirror"`
		BatchSize *int    `yaml:"batch_size"`
		Shuffle   *bool   `yaml:"shuffle"`
		Workers   *int    `yaml:"workers"`
		PinMemory *bool   `yaml:"pin_memory"`
	} `yaml:"data"`
	Model struct {
		Channels   []int `yaml:"channels"`
		KernelSize *int  `yaml:"kernel_size"`
		Classes    *int  `yaml:"classes"`
	} `yaml:"model"`
	Train struct {
		Resume           *bool   `yaml:"resume"`
		Optimizer        *string `yaml:"optimizer"`
		CheckpointDir    *string `yaml:"checkpoint_dir"`
		CheckpointFormat *string `yaml:"checkpoint_format"`
		LogEvery         *int    `yaml:"log_every"`
		Hyperparameters  struct {
			LR          *float64 `yaml:"lr"`
			TotalEpochs *int     `yaml:"total_epochs"`
			WeightDecay *float64 `yaml:"weight_decay"`
			Momentum    *float64 `yaml:"momentum"`
			Beta1       *float64 `yaml:"beta1"`
			Beta2       *float64 `yaml:"beta2"`
			Eps         *float64 `yaml:"eps"`
			Scheduler   *string  `yaml:"scheduler"`
			LRStep      *int     `yaml:"lr_step"`
			LRGamma     *float64 `yaml:"lr_gamma"`
		} `yaml:"hyperparameters"`
	} `yaml:"train"`
	Evaluate struct {
		Hyperparameters struct {
			LR          *float64 `yaml:"lr"`
			WeightDecay *float64 `yaml:"weight_decay"`
		} `yaml:"hyperparameters"`
	} `yaml:"evaluate"`
	Monitor struct {
		Addr    *string `yaml:"addr"`
		PlotDir *string `yaml:"plot_dir"`
	} `yaml:"monitor"`
}

// Load reads and validates the YAML config at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(bytes.NewReader(b))
}

// Parse decodes and validates YAML config content.
func Parse(r io.Reader) (Config, error) {
	var f file
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("%w: empty document", ErrMalformed)
		}
		return Config{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return f.build()
}

type missing []string

func (m *missing) check(present bool, key string) {
	if !present {
		*m = append(*m, key)
	}
}

func (f *file) build() (Config, error) {
	var m missing
	m.check(f.Distributed != nil, "distributed")
	m.check(f.GPU != nil, "gpu")
	m.check(f.Data.BatchSize != nil, "data.batch_size")
	m.check(f.Data.Shuffle != nil, "data.shuffle")
	m.check(f.Data.Workers != nil, "data.workers")
	m.check(f.Data.PinMemory != nil, "data.pin_memory")
	m.check(f.Train.Hyperparameters.LR != nil, "train.hyperparameters.lr")
	m.check(f.Train.Hyperparameters.TotalEpochs != nil, "train.hyperparameters.total_epochs")
	m.check(f.Train.Resume != nil, "train.resume")
	m.check(f.Evaluate.Hyperparameters.LR != nil, "evaluate.hyperparameters.lr")
	m.check(f.Evaluate.Hyperparameters.WeightDecay != nil, "evaluate.hyperparameters.weight_decay")
	if len(m) > 0 {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(m, ", "))
	}

	th := f.Train.Hyperparameters
	c := Config{
		Distributed: *f.Distributed,
		GPU:         *f.GPU,
		Devices:     intOr(f.Devices, 0),
		Seed:        int64Or(f.Seed, 0),
		Data: DataConfig{
			Root:      stringOr(f.Data.Root, "data"),
			Download:  boolOr(f.Data.Download, true),
			Mirror:    stringOr(f.Data.Mirror, ""),
			BatchSize: *f.Data.BatchSize,
			Shuffle:   *f.Data.Shuffle,
			Workers:   *f.Data.Workers,
			PinMemory: *f.Data.PinMemory,
		},
		Model: ModelConfig{
			Channels:   f.Model.Channels,
			KernelSize: intOr(f.Model.KernelSize, 5),
			Classes:    intOr(f.Model.Classes, 10),
		},
		Train: TrainConfig{
			Resume:           *f.Train.Resume,
			Optimizer:        strings.ToLower(stringOr(f.Train.Optimizer, "adam")),
			CheckpointDir:    stringOr(f.Train.CheckpointDir, "checkpoints"),
			CheckpointFormat: strings.ToLower(stringOr(f.Train.CheckpointFormat, "json")),
			LogEvery:         intOr(f.Train.LogEvery, 100),
			Hyperparameters: TrainHyperparameters{
				LR:          *th.LR,
				TotalEpochs: *th.TotalEpochs,
				WeightDecay: floatOr(th.WeightDecay, 0),
				Momentum:    floatOr(th.Momentum, 0),
				Beta1:       floatOr(th.Beta1, 0.9),
				Beta2:       floatOr(th.Beta2, 0.999),
				Eps:         floatOr(th.Eps, 1e-8),
				Scheduler:   strings.ToLower(stringOr(th.Scheduler, "step")),
				LRStep:      intOr(th.LRStep, 30),
				LRGamma:     floatOr(th.LRGamma, 0.1),
			},
		},
		Evaluate: EvaluateConfig{
			Hyperparameters: EvaluateHyperparameters{
				LR:          *f.Evaluate.Hyperparameters.LR,
				WeightDecay: *f.Evaluate.Hyperparameters.WeightDecay,
			},
		},
		Monitor: MonitorConfig{
			Addr:    stringOr(f.Monitor.Addr, ""),
			PlotDir: stringOr(f.Monitor.PlotDir, ""),
		},
	}
	if len(c.Model.Channels) == 0 {
		c.Model.Channels = []int{16, 32}
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks value ranges. Load already calls it.
func (c Config) Validate() error {
	var errs []string
	if c.Data.BatchSize <= 0 {
		errs = append(errs, "data.batch_size must be positive")
	}
	if c.Data.Workers < 0 {
		errs = append(errs, "data.workers must not be negative")
	}
	if c.Devices < 0 {
		errs = append(errs, "devices must not be negative")
	}
	if c.Train.Hyperparameters.LR <= 0 {
		errs = append(errs, "train.hyperparameters.lr must be positive")
	}
	if c.Train.Hyperparameters.TotalEpochs < 0 {
		errs = append(errs, "train.hyperparameters.total_epochs must not be negative")
	}
	if c.Train.Hyperparameters.WeightDecay < 0 || c.Train.Hyperparameters.Momentum < 0 {
		errs = append(errs, "train.hyperparameters.weight_decay and momentum must not be negative")
	}
	if c.Evaluate.Hyperparameters.WeightDecay < 0 {
		errs = append(errs, "evaluate.hyperparameters.weight_decay must not be negative")
	}
	if c.Model.KernelSize <= 0 || c.Model.KernelSize%2 == 0 {
		errs = append(errs, "model.kernel_size must be a positive odd number")
	}
	if c.Model.Classes < 2 {
		errs = append(errs, "model.classes must be at least 2")
	}
	for _, ch := range c.Model.Channels {
		if ch <= 0 {
			errs = append(errs, "model.channels entries must be positive")
			break
		}
	}
	switch c.Train.Optimizer {
	case "adam", "sgd":
	default:
		errs = append(errs, fmt.Sprintf("train.optimizer %q is not one of adam, sgd", c.Train.Optimizer))
	}
	switch c.Train.CheckpointFormat {
	case "json", "proto":
	default:
		errs = append(errs, fmt.Sprintf("train.checkpoint_format %q is not one of json, proto", c.Train.CheckpointFormat))
	}
	switch c.Train.Hyperparameters.Scheduler {
	case "step", "exponential", "cosine", "constant":
	default:
		errs = append(errs, fmt.Sprintf("train.hyperparameters.scheduler %q is not one of step, exponential, cosine, constant", c.Train.Hyperparameters.Scheduler))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func int64Or(v *int64, def int64) int64 {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

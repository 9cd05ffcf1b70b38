// Package experiment wires the components of an MNIST run together and drives the epoch
// loop.
package experiment

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-mnist/checkpoints"
	"github.com/tsawler/go-mnist/config"
	"github.com/tsawler/go-mnist/device"
	"github.com/tsawler/go-mnist/distributed"
	"github.com/tsawler/go-mnist/monitor"
	"github.com/tsawler/go-mnist/training"
)

// TrainPhase is the part of a trainer the loop drives.
type TrainPhase interface {
	AdjustLearningRate(epoch int) float64
	Train(ctx context.Context, epoch int) (training.EpochStats, error)
	Snapshot(epoch int, bestPrecision float64) (*checkpoints.Checkpoint, error)
	SaveCheckpoint(record *checkpoints.Checkpoint, isBest bool, path string) error
	LoadSavedCheckpoint(path string) (*checkpoints.Checkpoint, error)
	SyncResume(ctx context.Context, group distributed.Group, root, start int, best float64) (int, float64, error)
}

// EvalPhase is the part of an evaluator the loop drives.
type EvalPhase interface {
	Evaluate(ctx context.Context, epoch int) (float64, error)
}

// Components is everything a run needs once the mode is known.
type Components struct {
	Trainer   TrainPhase
	Evaluator EvalPhase
	// BestCheckpoint is loaded by the test pass. Empty uses the current model.
	BestCheckpoint string
	// Master is false on every distributed rank but 0; only the master writes
	// checkpoints and publishes to the monitor.
	Master bool
	// Group is the process group of a distributed run, nil otherwise. On resume the
	// master loads the checkpoint and the other ranks take its state over the group.
	Group   distributed.Group
	Monitor *monitor.Monitor
	Close   func() error
}

// Factory builds the components of a run.
type Factory interface {
	Build(ctx context.Context, cfg config.Config, mode device.Mode) (*Components, error)
}

// Run executes an experiment. With neither distributed nor gpu configured it logs a
// warning and returns without building anything.
func Run(ctx context.Context, cfg config.Config, flags Flags, factory Factory) (err error) {
	mode := device.SelectMode(cfg.Distributed, cfg.GPU)
	if mode == device.ModeNone {
		klog.Warning("neither distributed nor gpu is enabled; nothing to run")
		return nil
	}
	klog.Infof("mode %s, train=%v test=%v", mode, flags.Train, flags.Test)

	c, err := factory.Build(ctx, cfg, mode)
	if err != nil {
		return fmt.Errorf("building %s run: %w", mode, err)
	}
	if c.Close != nil {
		defer func() {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
	}

	if flags.Train {
		if _, err := Loop(ctx, c, cfg.Train); err != nil {
			return err
		}
	}
	if flags.Test {
		if _, err := Test(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Loop runs the epochs of cfg, resuming first when cfg.Resume is set, and returns the
// best precision reached.
func Loop(ctx context.Context, c *Components, cfg config.TrainConfig) (float64, error) {
	var best BestTracker
	start := 0
	if cfg.Resume && (c.Group == nil || c.Master) {
		ckpt, err := c.Trainer.LoadSavedCheckpoint("")
		switch {
		case training.IsCheckpointMissing(err):
			klog.Warningf("resume requested but %v; starting from scratch", err)
		case err != nil:
			return 0, fmt.Errorf("resuming: %w", err)
		default:
			start = ckpt.TrainingState.Epoch
			best.Restore(ckpt.TrainingState.BestPrecision)
		}
	}
	if cfg.Resume && c.Group != nil {
		epoch, precision, err := c.Trainer.SyncResume(ctx, c.Group, 0, start, best.Value())
		if err != nil {
			return 0, fmt.Errorf("resuming: %w", err)
		}
		start = epoch
		best.Restore(precision)
	}

	total := cfg.Hyperparameters.TotalEpochs
	for epoch := start; epoch < total; epoch++ {
		if err := ctx.Err(); err != nil {
			return best.Value(), err
		}
		lr := c.Trainer.AdjustLearningRate(epoch)
		stats, err := c.Trainer.Train(ctx, epoch)
		if err != nil {
			return best.Value(), err
		}
		precision, err := c.Evaluator.Evaluate(ctx, epoch)
		if err != nil {
			return best.Value(), err
		}
		isBest := best.Update(precision)
		if isBest {
			klog.Infof("epoch %d: new best precision %.2f%%", epoch, precision)
		}

		if !c.Master {
			continue
		}
		if err := checkpoint(c.Trainer, epoch, best.Value(), isBest); err != nil {
			klog.Warningf("epoch %d: checkpoint not saved: %v", epoch, err)
		}
		if c.Monitor != nil {
			r := monitor.EpochRecord{
				Epoch:         epoch,
				TrainLoss:     stats.Loss,
				TrainAccuracy: stats.Accuracy,
				Precision:     precision,
				BestPrecision: best.Value(),
				LearningRate:  lr,
			}
			if s, ok := c.Evaluator.(interface{ LastStats() training.EvalStats }); ok {
				r.TestLoss = s.LastStats().Loss
			}
			if err := c.Monitor.Publish(r); err != nil {
				klog.Warningf("epoch %d: monitor: %v", epoch, err)
			}
		}
	}
	klog.Infof("training finished: best precision %.2f%%", best.Value())
	return best.Value(), nil
}

func checkpoint(t TrainPhase, epoch int, best float64, isBest bool) error {
	record, err := t.Snapshot(epoch, best)
	if err != nil {
		return err
	}
	return t.SaveCheckpoint(record, isBest, "")
}

// Test evaluates the best checkpoint on the test split. Without one the current model
// is evaluated.
func Test(ctx context.Context, c *Components) (float64, error) {
	if c.BestCheckpoint != "" {
		_, err := c.Trainer.LoadSavedCheckpoint(c.BestCheckpoint)
		switch {
		case training.IsCheckpointMissing(err):
			klog.Warningf("no best checkpoint (%v); testing the current model", err)
		case err != nil:
			return 0, fmt.Errorf("loading best checkpoint: %w", err)
		}
	}
	precision, err := c.Evaluator.Evaluate(ctx, -1)
	if err != nil {
		return 0, err
	}
	klog.Infof("test precision %.2f%%", precision)
	return precision, nil
}

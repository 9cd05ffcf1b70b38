// Package training runs the per-epoch training and evaluation passes of an experiment.
package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-mnist/checkpoints"
	"github.com/tsawler/go-mnist/distributed"
	"github.com/tsawler/go-mnist/model"
	"github.com/tsawler/go-mnist/optimizer"
	"github.com/tsawler/go-mnist/vision/dataloader"
)

// TrainerConfig holds configuration for training
type TrainerConfig struct {
	BaseLR      float64
	TotalEpochs int
	LogEvery    int       // log every N batches at -v=1; 0 disables
	Progress    io.Writer // progress bar destination; nil disables the bar
}

// EpochStats summarises one training epoch
type EpochStats struct {
	Epoch        int
	Loss         float64 // sample-weighted mean over the epoch
	Accuracy     float64 // top-1, percent
	LearningRate float64
	Batches      int
	Samples      int
	Duration     time.Duration
}

// Trainer owns the training side of an experiment: the training data, the model, the
// loss, the single optimizer, the LR schedule and checkpoint persistence.
type Trainer struct {
	loader      *dataloader.DataLoader
	model       model.Model
	criterion   Loss
	optimizer   optimizer.Optimizer
	scheduler   LRScheduler
	checkpoints *checkpoints.CheckpointManager
	config      TrainerConfig

	lastLoss float64
}

// NewTrainer creates a new Trainer
func NewTrainer(
	loader *dataloader.DataLoader,
	m model.Model,
	criterion Loss,
	opt optimizer.Optimizer,
	scheduler LRScheduler,
	manager *checkpoints.CheckpointManager,
	config TrainerConfig,
) *Trainer {
	return &Trainer{
		loader:      loader,
		model:       m,
		criterion:   criterion,
		optimizer:   opt,
		scheduler:   scheduler,
		checkpoints: manager,
		config:      config,
	}
}

// AdjustLearningRate sets the optimizer's rate for epoch from the schedule and returns
// it. The result depends only on epoch, so calling it again changes nothing.
func (t *Trainer) AdjustLearningRate(epoch int) float64 {
	lr := t.scheduler.GetLR(epoch, t.config.BaseLR)
	t.optimizer.UpdateLearningRate(float32(lr))
	klog.V(1).Infof("epoch %d: %s learning rate %g", epoch, t.scheduler.GetName(), lr)
	return lr
}

// Train runs one pass over the training data: forward, loss, backward and an optimizer
// step per batch. An epoch-aware sampler is moved to epoch first.
func (t *Trainer) Train(ctx context.Context, epoch int) (EpochStats, error) {
	start := time.Now()
	if s, ok := t.loader.Sampler().(interface{ SetEpoch(int) }); ok {
		s.SetEpoch(epoch)
	}
	stats := EpochStats{Epoch: epoch, LearningRate: float64(t.optimizer.LearningRate())}

	var bar *ProgressBar
	if t.config.Progress != nil {
		bar = NewProgressBarTo(t.config.Progress, fmt.Sprintf("Epoch %d/%d", epoch+1, t.config.TotalEpochs), t.loader.Len())
	}

	var loss RunningAverage
	correct := 0
	it := t.loader.Iter(ctx)
	defer it.Close()
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		batchLoss, batchCorrect, err := t.step(b)
		b.Release()
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: %w", epoch, stats.Batches, err)
		}

		loss.Add(batchLoss, len(b.Labels))
		correct += batchCorrect
		stats.Batches++
		stats.Samples = loss.Count()

		if bar != nil {
			bar.Update(stats.Batches, map[string]float64{
				"loss":     loss.Mean(),
				"accuracy": 100 * float64(correct) / float64(stats.Samples),
			})
		}
		if t.config.LogEvery > 0 && stats.Batches%t.config.LogEvery == 0 {
			klog.V(1).Infof("epoch %d [%d/%d] loss %.4f", epoch, stats.Batches, t.loader.Len(), batchLoss)
		}
	}
	if err := it.Err(); err != nil {
		return stats, fmt.Errorf("epoch %d: %w", epoch, err)
	}
	if bar != nil {
		bar.Finish()
	}

	stats.Loss = loss.Mean()
	if stats.Samples > 0 {
		stats.Accuracy = 100 * float64(correct) / float64(stats.Samples)
	}
	stats.Duration = time.Since(start)
	t.lastLoss = stats.Loss
	klog.Infof("epoch %d: train loss %.4f accuracy %.2f%% (%d batches, %s)",
		epoch, stats.Loss, stats.Accuracy, stats.Batches, stats.Duration.Round(time.Millisecond))
	if a, ok := t.optimizer.(interface{ GetStats() optimizer.AdamStats }); ok {
		s := a.GetStats()
		klog.V(2).Infof("adam: %d steps over %d parameters, %d bytes of moment buffers", s.StepCount, s.NumParameters, s.TotalBufferSize)
	}
	if s, ok := t.loader.StagingStats(); ok {
		klog.V(2).Infof("staging pool: %d buffers allocated, %d reused, %d/%d idle", s.Allocated, s.Reused, s.Available, s.Capacity)
	}
	return stats, nil
}

func (t *Trainer) step(b *dataloader.Batch) (float64, int, error) {
	t.model.ZeroGrad()
	out, err := t.model.Forward(b.Data, true)
	if err != nil {
		return 0, 0, fmt.Errorf("forward: %w", err)
	}
	loss, err := t.criterion.Forward(out, b.Labels)
	if err != nil {
		return 0, 0, fmt.Errorf("loss: %w", err)
	}
	grad, err := t.criterion.Backward(out, b.Labels)
	if err != nil {
		return 0, 0, fmt.Errorf("loss gradient: %w", err)
	}
	if err := t.model.Backward(grad); err != nil {
		return 0, 0, fmt.Errorf("backward: %w", err)
	}
	if err := t.optimizer.Step(); err != nil {
		return 0, 0, fmt.Errorf("optimizer step: %w", err)
	}

	correct := 0
	for i, p := range argmax(out) {
		if p == b.Labels[i] {
			correct++
		}
	}
	return loss, correct, nil
}

// Snapshot builds the checkpoint record written after epoch. The stored epoch is
// epoch+1, the first epoch a resumed run executes.
func (t *Trainer) Snapshot(epoch int, bestPrecision float64) (*checkpoints.Checkpoint, error) {
	state, err := t.optimizer.GetState()
	if err != nil {
		return nil, fmt.Errorf("optimizer state: %w", err)
	}
	return &checkpoints.Checkpoint{
		ModelSpec: t.model.Spec(),
		Weights:   checkpoints.WeightsFromStateDict(t.model.StateDict()),
		TrainingState: checkpoints.TrainingState{
			Epoch:         epoch + 1,
			Step:          int(t.optimizer.GetStepCount()),
			LearningRate:  t.optimizer.LearningRate(),
			BestPrecision: bestPrecision,
			LastLoss:      t.lastLoss,
		},
		OptimizerState: state,
	}, nil
}

// SaveCheckpoint writes record to path (the default checkpoint file when empty) and
// also to the best-model file when isBest is set.
func (t *Trainer) SaveCheckpoint(record *checkpoints.Checkpoint, isBest bool, path string) error {
	return t.checkpoints.Save(record, isBest, path)
}

// LoadSavedCheckpoint restores model and optimizer state from path (the default
// checkpoint file when empty). A checkpoint for a different architecture is reported as
// corrupt.
func (t *Trainer) LoadSavedCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	ckpt, err := t.checkpoints.Load(path)
	if err != nil {
		return nil, err
	}
	if err := t.restore(ckpt); err != nil {
		return nil, fmt.Errorf("%w: %v", checkpoints.ErrCheckpointCorrupt, err)
	}
	klog.Infof("restored checkpoint: epoch %d, best precision %.2f%%", ckpt.TrainingState.Epoch, ckpt.TrainingState.BestPrecision)
	return ckpt, nil
}

func (t *Trainer) restore(ckpt *checkpoints.Checkpoint) error {
	if err := t.model.Spec().Compatible(ckpt.ModelSpec); err != nil {
		return err
	}
	sd, err := ckpt.StateDict()
	if err != nil {
		return err
	}
	if err := t.model.LoadStateDict(sd); err != nil {
		return err
	}
	if ckpt.OptimizerState != nil {
		if err := t.optimizer.LoadState(ckpt.OptimizerState); err != nil {
			return fmt.Errorf("optimizer: %v", err)
		}
	}
	t.lastLoss = ckpt.TrainingState.LastLoss
	return nil
}

// SyncResume gives every rank of group the training state of root: model weights,
// optimizer state, the first epoch to run and the best precision so far. Only root needs
// to have loaded a checkpoint. Every rank must call it, after any resume and before the
// first epoch.
func (t *Trainer) SyncResume(ctx context.Context, group distributed.Group, root, start int, best float64) (int, float64, error) {
	rec, err := t.Snapshot(start-1, best)
	if err != nil {
		return 0, 0, err
	}
	params := rec.OptimizerState.Parameters
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []float32{float32(start), float32(best), float32(t.lastLoss)}
	for _, k := range keys {
		buf = append(buf, paramValue(params[k]))
	}
	for _, w := range rec.Weights {
		buf = append(buf, w.Data...)
	}
	for _, s := range rec.OptimizerState.StateData {
		buf = append(buf, s.Data...)
	}

	if err := group.Broadcast(ctx, buf, root); err != nil {
		return 0, 0, fmt.Errorf("synchronising resume state: %w", err)
	}
	if group.Rank() == root {
		return start, best, nil
	}

	rec.TrainingState.LastLoss = float64(buf[2])
	off := 3
	for _, k := range keys {
		if _, ok := params[k].(bool); ok {
			params[k] = buf[off] != 0
		} else {
			params[k] = float64(buf[off])
		}
		off++
	}
	for i := range rec.Weights {
		off += copy(rec.Weights[i].Data, buf[off:])
	}
	for i := range rec.OptimizerState.StateData {
		off += copy(rec.OptimizerState.StateData[i].Data, buf[off:])
	}
	if err := t.restore(rec); err != nil {
		return 0, 0, fmt.Errorf("applying state from rank %d: %w", root, err)
	}
	start, best = int(buf[0]), float64(buf[1])
	klog.V(1).Infof("rank %d: resuming at epoch %d with state from rank %d", group.Rank(), start, root)
	return start, best, nil
}

// paramValue flattens an optimizer hyperparameter for broadcasting.
func paramValue(v interface{}) float32 {
	switch v := v.(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case uint64:
		return float32(v)
	case int:
		return float32(v)
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

// IsCheckpointMissing reports whether err means no checkpoint exists yet.
func IsCheckpointMissing(err error) bool {
	return errors.Is(err, checkpoints.ErrCheckpointNotFound)
}

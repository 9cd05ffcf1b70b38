package checkpoints

import (
	"fmt"
	"path/filepath"

	"k8s.io/klog/v2"
)

// CheckpointConfig configures where checkpoints go and how they are encoded.
type CheckpointConfig struct {
	SaveDirectory string
	Format        CheckpointFormat
}

// CheckpointManager writes the rolling checkpoint of a run and keeps a copy of the best
// one next to it.
type CheckpointManager struct {
	config CheckpointConfig
	saver  *CheckpointSaver
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig) *CheckpointManager {
	if config.SaveDirectory == "" {
		config.SaveDirectory = "."
	}
	return &CheckpointManager{
		config: config,
		saver:  NewCheckpointSaver(config.Format),
	}
}

// LatestPath is the default checkpoint file, checkpoint.<ext>.
func (cm *CheckpointManager) LatestPath() string {
	return filepath.Join(cm.config.SaveDirectory, "checkpoint."+cm.config.Format.Extension())
}

// BestPath is where the best checkpoint is copied, model_best.<ext>.
func (cm *CheckpointManager) BestPath() string {
	return filepath.Join(cm.config.SaveDirectory, "model_best."+cm.config.Format.Extension())
}

// Save writes the checkpoint to path, or LatestPath when path is empty. When isBest is
// set the same bytes are also written to BestPath.
func (cm *CheckpointManager) Save(checkpoint *Checkpoint, isBest bool, path string) error {
	if path == "" {
		path = cm.LatestPath()
	}
	b, err := cm.saver.Encode(checkpoint)
	if err != nil {
		return err
	}
	if err := writeAtomic(path, b); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	klog.V(1).Infof("saved checkpoint %s (epoch %d)", path, checkpoint.TrainingState.Epoch)

	if isBest {
		best := cm.BestPath()
		if err := writeAtomic(best, b); err != nil {
			return fmt.Errorf("failed to save best checkpoint: %w", err)
		}
		klog.V(1).Infof("copied checkpoint to %s", best)
	}
	return nil
}

// Load reads the checkpoint at path, or LatestPath when path is empty.
func (cm *CheckpointManager) Load(path string) (*Checkpoint, error) {
	if path == "" {
		path = cm.LatestPath()
	}
	return cm.saver.LoadCheckpoint(path)
}

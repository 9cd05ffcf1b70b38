package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
distributed: false
gpu: true
data:
  batch_size: 64
  shuffle: true
  workers: 2
  pin_memory: false
train:
  resume: false
  hyperparameters:
    lr: 0.001
    total_epochs: 3
evaluate:
  hyperparameters:
    lr: 0.001
    weight_decay: 0.0001
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	c, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.False(t, c.Distributed)
	assert.True(t, c.GPU)
	assert.Equal(t, 64, c.Data.BatchSize)
	assert.True(t, c.Data.Shuffle)
	assert.Equal(t, 2, c.Data.Workers)
	assert.False(t, c.Data.PinMemory)
	assert.Equal(t, 0.001, c.Train.Hyperparameters.LR)
	assert.Equal(t, 3, c.Train.Hyperparameters.TotalEpochs)
	assert.Equal(t, 0.0001, c.Evaluate.Hyperparameters.WeightDecay)

	// defaults for optional keys
	assert.Equal(t, "data", c.Data.Root)
	assert.True(t, c.Data.Download)
	assert.Equal(t, []int{16, 32}, c.Model.Channels)
	assert.Equal(t, 5, c.Model.KernelSize)
	assert.Equal(t, 10, c.Model.Classes)
	assert.Equal(t, "adam", c.Train.Optimizer)
	assert.Equal(t, "json", c.Train.CheckpointFormat)
	assert.Equal(t, "checkpoints", c.Train.CheckpointDir)
	assert.Equal(t, "step", c.Train.Hyperparameters.Scheduler)
	assert.Equal(t, 30, c.Train.Hyperparameters.LRStep)
	assert.Equal(t, 0.1, c.Train.Hyperparameters.LRGamma)
	assert.Equal(t, 0.9, c.Train.Hyperparameters.Beta1)
	assert.Equal(t, "", c.Monitor.Addr)
}

func TestLoadOptionalOverrides(t *testing.T) {
	content := validYAML + `
seed: 42
devices: 4
model:
  channels: [8, 8, 16]
  kernel_size: 3
monitor:
  addr: ":8080"
`
	c, err := Load(writeConfig(t, content))
	require.NoError(t, err)
	assert.Equal(t, int64(42), c.Seed)
	assert.Equal(t, 4, c.Devices)
	assert.Equal(t, []int{8, 8, 16}, c.Model.Channels)
	assert.Equal(t, 3, c.Model.KernelSize)
	assert.Equal(t, ":8080", c.Monitor.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadMalformed(t *testing.T) {
	_, err := Load(writeConfig(t, "distributed: [unclosed"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Load(writeConfig(t, ""))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Load(writeConfig(t, "gpu: notabool\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLoadMissingKeysAreAllReported(t *testing.T) {
	content := strings.Replace(validYAML, "  shuffle: true\n", "", 1)
	content = strings.Replace(content, "gpu: true\n", "", 1)

	_, err := Load(writeConfig(t, content))
	require.ErrorIs(t, err, ErrMissingKey)
	assert.Contains(t, err.Error(), "gpu")
	assert.Contains(t, err.Error(), "data.shuffle")
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		message string
	}{
		{"batch size", "batch_size: 64", "batch_size: 0", "data.batch_size"},
		{"lr", "    lr: 0.001\n    total_epochs", "    lr: -1\n    total_epochs", "train.hyperparameters.lr"},
		{"workers", "workers: 2", "workers: -1", "data.workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := strings.Replace(validYAML, tt.from, tt.to, 1)
			_, err := Load(writeConfig(t, content))
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestLoadRejectsUnknownOptimizer(t *testing.T) {
	content := strings.Replace(validYAML, "  resume: false\n", "  resume: false\n  optimizer: lbfgs\n", 1)
	_, err := Load(writeConfig(t, content))
	assert.ErrorIs(t, err, ErrInvalid)
}

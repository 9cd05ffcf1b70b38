// Package optimizer updates model parameters from their accumulated gradients.
package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/go-mnist/checkpoints"
	"github.com/tsawler/go-mnist/config"
	"github.com/tsawler/go-mnist/layers"
)

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step applies one update to every parameter using its current gradient.
	Step() error

	// GetState copies the optimizer state for checkpointing.
	GetState() (*OptimizerState, error)

	// LoadState restores state produced by GetState for the same parameter list.
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	UpdateLearningRate(lr float32)
	LearningRate() float32
}

// OptimizerState is the serializable optimizer state.
type OptimizerState = checkpoints.OptimizerState

// New builds the optimizer named by the config ("adam" or "sgd") for params.
func New(name string, hp config.TrainHyperparameters, params []*layers.Parameter) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "adam":
		return NewAdamOptimizer(AdamConfig{
			LearningRate: float32(hp.LR),
			Beta1:        float32(hp.Beta1),
			Beta2:        float32(hp.Beta2),
			Epsilon:      float32(hp.Eps),
			WeightDecay:  float32(hp.WeightDecay),
		}, params)
	case "sgd":
		return NewSGDOptimizer(SGDConfig{
			LearningRate: float32(hp.LR),
			Momentum:     float32(hp.Momentum),
			WeightDecay:  float32(hp.WeightDecay),
		}, params)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0" or "variance_12"
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil || idx < 0 {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("no optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

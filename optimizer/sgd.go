package optimizer

import (
	"fmt"

	"github.com/tsawler/go-mnist/layers"
	"github.com/tsawler/go-mnist/parallel"
)

// SGDOptimizerState holds SGD hyperparameters and momentum buffers
type SGDOptimizerState struct {
	// Hyperparameters
	lr          float32
	Momentum    float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay float32 // L2 regularization coefficient
	Nesterov    bool    // Whether to use Nesterov momentum

	// Momentum buffers (only if momentum > 0)
	MomentumBuffers [][]float32

	// Step tracking
	StepCount uint64

	params []*layers.Parameter
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*layers.Parameter) (*SGDOptimizerState, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}

	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	sgd := &SGDOptimizerState{
		lr:           config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = newBuffers(params)
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step() error {
	first := sgd.StepCount == 0
	sgd.StepCount++

	lr, mom, wd := sgd.lr, sgd.Momentum, sgd.WeightDecay
	parallel.ForEach(len(sgd.params), parallel.Limit(), func(i int) {
		p := sgd.params[i]
		w, g := p.Value.Data, p.Grad.Data
		for j := range w {
			d := g[j] + wd*w[j]
			if mom > 0 {
				buf := sgd.MomentumBuffers[i]
				if first {
					buf[j] = d
				} else {
					buf[j] = mom*buf[j] + d
				}
				if sgd.Nesterov {
					d += mom * buf[j]
				} else {
					d = buf[j]
				}
			}
			w[j] -= lr * d
		}
	})
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.lr = newLR
}

func (sgd *SGDOptimizerState) LearningRate() float32 { return sgd.lr }

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.lr,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: extractBufferState(sgd.MomentumBuffers, sgd.params, "momentum"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	momentum := extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	if (momentum > 0) != (sgd.Momentum > 0) {
		return fmt.Errorf("momentum %g in checkpoint does not match configured %g", momentum, sgd.Momentum)
	}
	if err := restoreBufferState(state, map[string][][]float32{"momentum": sgd.MomentumBuffers}); err != nil {
		return err
	}

	sgd.lr = extractFloat32Param(state.Parameters, "learning_rate", sgd.lr)
	sgd.Momentum = momentum
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)
	return nil
}

package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-mnist/layers"
	"github.com/tsawler/go-mnist/parallel"
)

// AdamOptimizerState holds the Adam moments for a fixed parameter list
type AdamOptimizerState struct {
	// Hyperparameters
	lr          float32
	Beta1       float32 // Momentum decay (typically 0.9)
	Beta2       float32 // Variance decay (typically 0.999)
	Epsilon     float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay float32 // L2 regularization coefficient

	MomentumBuffers [][]float32 // First moment for each parameter
	VarianceBuffers [][]float32 // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64

	params []*layers.Parameter
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*layers.Parameter) (*AdamOptimizerState, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}

	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	return &AdamOptimizerState{
		lr:              config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: newBuffers(params),
		VarianceBuffers: newBuffers(params),
		params:          params,
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++

	t := float64(adam.StepCount)
	b1, b2 := float64(adam.Beta1), float64(adam.Beta2)
	bias1 := 1 - math.Pow(b1, t)
	bias2 := 1 - math.Pow(b2, t)
	stepSize := float64(adam.lr) / bias1
	sqrtBias2 := math.Sqrt(bias2)
	eps, wd := float64(adam.Epsilon), float64(adam.WeightDecay)

	parallel.ForEach(len(adam.params), parallel.Limit(), func(i int) {
		p := adam.params[i]
		w, g := p.Value.Data, p.Grad.Data
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]
		for j := range w {
			grad := float64(g[j]) + wd*float64(w[j])
			mj := b1*float64(m[j]) + (1-b1)*grad
			vj := b2*float64(v[j]) + (1-b2)*grad*grad
			m[j], v[j] = float32(mj), float32(vj)
			w[j] -= float32(stepSize * mj / (math.Sqrt(vj)/sqrtBias2 + eps))
		}
	})
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.lr = newLR
}

func (adam *AdamOptimizerState) LearningRate() float32 { return adam.lr }

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := extractBufferState(adam.MomentumBuffers, adam.params, "momentum")
	stateData = append(stateData, extractBufferState(adam.VarianceBuffers, adam.params, "variance")...)

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.lr,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	if err := restoreBufferState(state, map[string][][]float32{
		"momentum": adam.MomentumBuffers,
		"variance": adam.VarianceBuffers,
	}); err != nil {
		return err
	}

	adam.lr = extractFloat32Param(state.Parameters, "learning_rate", adam.lr)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)
	return nil
}

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	return AdamStats{
		StepCount:       adam.StepCount,
		LearningRate:    adam.lr,
		Beta1:           adam.Beta1,
		Beta2:           adam.Beta2,
		Epsilon:         adam.Epsilon,
		WeightDecay:     adam.WeightDecay,
		NumParameters:   len(adam.params),
		TotalBufferSize: adam.getTotalBufferSize(),
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount       uint64
	LearningRate    float32
	Beta1           float32
	Beta2           float32
	Epsilon         float32
	WeightDecay     float32
	NumParameters   int
	TotalBufferSize int
}

// getTotalBufferSize returns the bytes held by the moment buffers
func (adam *AdamOptimizerState) getTotalBufferSize() int {
	total := 0
	for i := range adam.MomentumBuffers {
		total += 4 * (len(adam.MomentumBuffers[i]) + len(adam.VarianceBuffers[i]))
	}
	return total
}

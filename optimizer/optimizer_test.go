package optimizer

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mnist/config"
	"github.com/tsawler/go-mnist/layers"
	"github.com/tsawler/go-mnist/tensor"
)

func param(name string, values ...float32) *layers.Parameter {
	p := &layers.Parameter{
		Name:  name,
		Value: tensor.MustZeros(len(values)),
		Grad:  tensor.MustZeros(len(values)),
	}
	copy(p.Value.Data, values)
	return p
}

func params(t *testing.T) []*layers.Parameter {
	t.Helper()
	return []*layers.Parameter{
		param("fc.weight", 1, -1, 0.5, 2),
		param("fc.bias", 0.1, -0.2),
	}
}

func setGrads(ps []*layers.Parameter, step int) {
	for i, p := range ps {
		for j := range p.Grad.Data {
			p.Grad.Data[j] = float32(math.Sin(float64(step*7 + i*3 + j)))
		}
	}
}

func values(ps []*layers.Parameter) [][]float32 {
	var out [][]float32
	for _, p := range ps {
		out = append(out, append([]float32(nil), p.Value.Data...))
	}
	return out
}

// viaJSON mimics a checkpoint round trip, which turns every number into float64.
func viaJSON(t *testing.T, s *OptimizerState) *OptimizerState {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	var out OptimizerState
	require.NoError(t, json.Unmarshal(b, &out))
	return &out
}

func TestAdamFirstStep(t *testing.T) {
	p := param("w", 1)
	p.Grad.Data[0] = 0.5

	adam, err := NewAdamOptimizer(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, []*layers.Parameter{p})
	require.NoError(t, err)
	require.NoError(t, adam.Step())

	// the bias-corrected first step moves by lr in the direction of the gradient
	assert.InDelta(t, 0.9, p.Value.Data[0], 1e-6)
	assert.Equal(t, uint64(1), adam.GetStepCount())
}

func TestAdamMatchesReference(t *testing.T) {
	ps := params(t)
	cfg := AdamConfig{LearningRate: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, WeightDecay: 0.1}
	adam, err := NewAdamOptimizer(cfg, ps)
	require.NoError(t, err)

	w := []float64{1, -1, 0.5, 2}
	m := make([]float64, 4)
	v := make([]float64, 4)
	for step := 1; step <= 5; step++ {
		setGrads(ps, step)
		for j := range w {
			g := float64(ps[0].Grad.Data[j]) + 0.1*w[j]
			m[j] = 0.9*m[j] + 0.1*g
			v[j] = 0.999*v[j] + 0.001*g*g
			mhat := m[j] / (1 - math.Pow(0.9, float64(step)))
			vhat := v[j] / (1 - math.Pow(0.999, float64(step)))
			w[j] -= 0.01 * mhat / (math.Sqrt(vhat) + 1e-8)
		}
		require.NoError(t, adam.Step())
	}
	for j := range w {
		assert.InDelta(t, w[j], ps[0].Value.Data[j], 1e-5)
	}

	stats := adam.GetStats()
	assert.Equal(t, uint64(5), stats.StepCount)
	assert.Equal(t, 2, stats.NumParameters)
	assert.Equal(t, 4*2*6, stats.TotalBufferSize)
}

func TestSGD(t *testing.T) {
	tests := []struct {
		name   string
		config SGDConfig
		want   float32 // weight after two steps of gradient 1 from 1
	}{
		{"plain", SGDConfig{LearningRate: 0.1}, 0.8},
		{"momentum", SGDConfig{LearningRate: 0.1, Momentum: 0.5}, 1 - 0.1 - 0.1*1.5},
		{"nesterov", SGDConfig{LearningRate: 0.1, Momentum: 0.5, Nesterov: true}, 1 - 0.1*1.5 - 0.1*(1+0.5*1.5)},
		{"weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: 1}, (1 - 0.1*2) - 0.1*(1+0.8)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := param("w", 1)
			p.Grad.Data[0] = 1
			sgd, err := NewSGDOptimizer(tt.config, []*layers.Parameter{p})
			require.NoError(t, err)
			require.NoError(t, sgd.Step())
			require.NoError(t, sgd.Step())
			assert.InDelta(t, tt.want, p.Value.Data[0], 1e-6)
		})
	}
}

func TestInvalidConfigs(t *testing.T) {
	ps := params(t)
	_, err := NewAdamOptimizer(DefaultAdamConfig(), nil)
	assert.Error(t, err)

	bad := DefaultAdamConfig()
	bad.Beta1 = 1
	_, err = NewAdamOptimizer(bad, ps)
	assert.Error(t, err)

	_, err = NewSGDOptimizer(SGDConfig{LearningRate: -1}, ps)
	assert.Error(t, err)
	_, err = NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Nesterov: true}, ps)
	assert.Error(t, err)
}

func TestStateRoundTripContinuesIdentically(t *testing.T) {
	builders := map[string]func([]*layers.Parameter) (Optimizer, error){
		"adam": func(ps []*layers.Parameter) (Optimizer, error) {
			return NewAdamOptimizer(DefaultAdamConfig(), ps)
		},
		"sgd": func(ps []*layers.Parameter) (Optimizer, error) {
			return NewSGDOptimizer(SGDConfig{LearningRate: 0.05, Momentum: 0.9}, ps)
		},
	}

	for name, build := range builders {
		t.Run(name, func(t *testing.T) {
			a := params(t)
			optA, err := build(a)
			require.NoError(t, err)
			for step := 1; step <= 3; step++ {
				setGrads(a, step)
				require.NoError(t, optA.Step())
			}
			optA.UpdateLearningRate(0.002)

			state, err := optA.GetState()
			require.NoError(t, err)

			// a fresh optimizer over a copy of the current weights
			b := params(t)
			for i := range b {
				copy(b[i].Value.Data, a[i].Value.Data)
			}
			optB, err := build(b)
			require.NoError(t, err)
			require.NoError(t, optB.LoadState(viaJSON(t, state)))
			assert.Equal(t, optA.GetStepCount(), optB.GetStepCount())
			assert.Equal(t, float32(0.002), optB.LearningRate())

			for step := 4; step <= 6; step++ {
				setGrads(a, step)
				setGrads(b, step)
				require.NoError(t, optA.Step())
				require.NoError(t, optB.Step())
			}
			assert.Equal(t, values(a), values(b))
		})
	}
}

func TestLoadStateRejectsBadState(t *testing.T) {
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), params(t))
	require.NoError(t, err)
	good, err := adam.GetState()
	require.NoError(t, err)

	wrongType := *good
	wrongType.Type = "SGD"
	assert.Error(t, adam.LoadState(&wrongType))
	assert.Error(t, adam.LoadState(nil))

	badIndex := viaJSON(t, good)
	badIndex.StateData[0].Name = "momentum_9"
	assert.Error(t, adam.LoadState(badIndex))

	badSize := viaJSON(t, good)
	badSize.StateData[1].Data = badSize.StateData[1].Data[:1]
	assert.Error(t, adam.LoadState(badSize))

	badKind := viaJSON(t, good)
	badKind.StateData[0].StateType = "velocity"
	assert.Error(t, adam.LoadState(badKind))

	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1}, params(t))
	require.NoError(t, err)
	withMomentum, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, params(t))
	require.NoError(t, err)
	state, err := withMomentum.GetState()
	require.NoError(t, err)
	assert.Error(t, sgd.LoadState(state))
}

func TestNew(t *testing.T) {
	hp := config.TrainHyperparameters{LR: 0.01, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, Momentum: 0.9}

	opt, err := New("Adam", hp, params(t))
	require.NoError(t, err)
	assert.IsType(t, &AdamOptimizerState{}, opt)
	assert.Equal(t, float32(0.01), opt.LearningRate())

	opt, err = New("sgd", hp, params(t))
	require.NoError(t, err)
	assert.IsType(t, &SGDOptimizerState{}, opt)

	_, err = New("lbfgs", hp, params(t))
	assert.Error(t, err)
}

func TestUpdatedLearningRateDrivesStep(t *testing.T) {
	hp := config.TrainHyperparameters{LR: 0.5, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
	for _, name := range []string{"sgd", "adam"} {
		t.Run(name, func(t *testing.T) {
			p := param("w", 1)
			opt, err := New(name, hp, []*layers.Parameter{p})
			require.NoError(t, err)
			assert.Equal(t, float32(0.5), opt.LearningRate())

			opt.UpdateLearningRate(0.1)
			assert.Equal(t, float32(0.1), opt.LearningRate())

			p.Grad.Data[0] = 1
			require.NoError(t, opt.Step())
			// both take a step of exactly lr on the first update with a unit gradient
			assert.InDelta(t, 0.9, p.Value.Data[0], 1e-6)

			state, err := opt.GetState()
			require.NoError(t, err)
			assert.InDelta(t, 0.1, state.Parameters["learning_rate"], 1e-7)
		})
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := map[string]int{
		"momentum_0":         0,
		"variance_12":        12,
		"squared_grad_avg_3": 3,
		"momentum":           -1,
		"momentum_x":         -1,
		"momentum_-1":        -1,
	}
	for name, want := range tests {
		if got := extractBufferIndex(name); got != want {
			t.Errorf("extractBufferIndex(%q) = %d, want %d", name, got, want)
		}
	}
}

func TestExtractParams(t *testing.T) {
	params := map[string]interface{}{
		"f64":  float64(0.5),
		"f32":  float32(0.25),
		"u64":  uint64(7),
		"n":    float64(9),
		"flag": true,
		"text": "x",
	}
	assert.Equal(t, float32(0.5), extractFloat32Param(params, "f64", 1))
	assert.Equal(t, float32(0.25), extractFloat32Param(params, "f32", 1))
	assert.Equal(t, float32(1), extractFloat32Param(params, "text", 1))
	assert.Equal(t, uint64(7), extractUint64Param(params, "u64", 0))
	assert.Equal(t, uint64(9), extractUint64Param(params, "n", 0))
	assert.Equal(t, uint64(3), extractUint64Param(params, "missing", 3))
	assert.True(t, extractBoolParam(params, "flag", false))
	assert.False(t, extractBoolParam(params, "text", false))
}

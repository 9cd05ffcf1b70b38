package optimizer

import (
	"fmt"

	"github.com/tsawler/go-mnist/checkpoints"
	"github.com/tsawler/go-mnist/layers"
)

// Common helper functions for optimizer state management

// newBuffers allocates one zeroed buffer per parameter.
func newBuffers(params []*layers.Parameter) [][]float32 {
	bufs := make([][]float32, len(params))
	for i, p := range params {
		bufs[i] = make([]float32, p.Value.NumElems())
	}
	return bufs
}

// extractBufferState copies each buffer into a state tensor named "<stateType>_<index>".
func extractBufferState(bufs [][]float32, params []*layers.Parameter, stateType string) []checkpoints.OptimizerTensor {
	out := make([]checkpoints.OptimizerTensor, 0, len(bufs))
	for i, b := range bufs {
		out = append(out, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("%s_%d", stateType, i),
			Shape:     append([]int(nil), params[i].Value.Shape...),
			Data:      append([]float32(nil), b...),
			StateType: stateType,
		})
	}
	return out
}

// restoreBufferState writes every state tensor into the buffer its name points at.
// kinds maps a state type to its buffers; tensors of any other type are rejected.
func restoreBufferState(state *OptimizerState, kinds map[string][][]float32) error {
	for _, t := range state.StateData {
		bufs, ok := kinds[t.StateType]
		if !ok {
			return fmt.Errorf("unknown state type %q in %s", t.StateType, t.Name)
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(bufs) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if len(t.Data) != len(bufs[idx]) {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				t.Name, len(bufs[idx]), len(t.Data))
		}
	}
	// validated first so a bad tensor leaves the optimizer untouched
	for _, t := range state.StateData {
		copy(kinds[t.StateType][extractBufferIndex(t.Name)], t.Data)
	}
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map. Values
// decoded from a checkpoint are float64; live state holds float32.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float64:
		return float32(v)
	case float32:
		return v
	case int:
		return float32(v)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case float64:
		if v >= 0 {
			return uint64(v)
		}
	case uint64:
		return v
	case int:
		if v >= 0 {
			return uint64(v)
		}
	}
	return defaultValue
}

package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-mnist/tensor"
)

// Parameter is a learnable tensor together with its accumulated gradient.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

func newParameter(name string, shape []int) (*Parameter, error) {
	v, err := tensor.Zeros(shape)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %w", name, err)
	}
	return &Parameter{Name: name, Value: v, Grad: tensor.MustZeros(shape...)}, nil
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Fill(0)
}

// Layer is the CPU execution of one LayerSpec. Forward caches what Backward needs
// when train is set; Backward accumulates into the parameter gradients and returns the
// gradient with respect to the layer input.
//
// A Layer is not safe for concurrent use; replicas get their own instances.
type Layer interface {
	Spec() LayerSpec
	Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
}

// Build instantiates the layers of a compiled spec. Weights and biases are drawn
// uniformly from ±1/sqrt(fan_in) in layer order, so the same rng seed yields the same
// parameters.
func Build(spec *ModelSpec, rng *rand.Rand) ([]Layer, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}

	out := make([]Layer, 0, len(spec.Layers))
	for _, ls := range spec.Layers {
		var (
			l   Layer
			err error
		)
		switch ls.Type {
		case Conv2D:
			l, err = newConv2DLayer(ls)
		case Dense:
			l, err = newDenseLayer(ls)
		case ReLU:
			l = &reluLayer{spec: ls}
		case MaxPool2D:
			l, err = newMaxPool2DLayer(ls)
		default:
			err = fmt.Errorf("unsupported layer type: %s", ls.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", ls.Name, err)
		}
		if rng != nil {
			initUniform(l, rng)
		}
		out = append(out, l)
	}
	return out, nil
}

func initUniform(l Layer, rng *rand.Rand) {
	params := l.Parameters()
	if len(params) == 0 {
		return
	}
	// fan_in is every weight dimension except the output one
	w := params[0].Value
	var fanIn int
	switch l.Spec().Type {
	case Conv2D:
		fanIn = w.Shape[1] * w.Shape[2] * w.Shape[3]
	default:
		fanIn = w.Shape[0]
	}
	bound := float32(1 / math.Sqrt(float64(fanIn)))
	for _, p := range params {
		for i := range p.Value.Data {
			p.Value.Data[i] = -bound + rng.Float32()*2*bound
		}
	}
}

// checkInput verifies the per-sample dimensions of x against the compiled input shape.
// The batch dimension may differ.
func checkInput(spec LayerSpec, x *tensor.Tensor) error {
	if x == nil {
		return fmt.Errorf("%s: nil input", spec.Name)
	}
	want := spec.InputShape
	if len(x.Shape) != len(want) {
		return fmt.Errorf("%s: input rank %d, want %d", spec.Name, len(x.Shape), len(want))
	}
	for i := 1; i < len(want); i++ {
		if x.Shape[i] != want[i] {
			return fmt.Errorf("%s: input shape %v does not match %v", spec.Name, x.Shape, want)
		}
	}
	return nil
}

func checkGrad(spec LayerSpec, cached, gradOut *tensor.Tensor, outShape []int) error {
	if cached == nil {
		return fmt.Errorf("%s: backward without a training forward pass", spec.Name)
	}
	if gradOut == nil || !tensor.SameShape(gradOut.Shape, outShape) {
		return fmt.Errorf("%s: gradient shape does not match output %v", spec.Name, outShape)
	}
	return nil
}

func outputShapeFor(spec LayerSpec, batch int) []int {
	s := append([]int(nil), spec.OutputShape...)
	s[0] = batch
	return s
}

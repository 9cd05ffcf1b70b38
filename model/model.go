// Package model holds the classifier network and its data-parallel wrappers. Every
// wrapper satisfies Model, so callers never know how many replicas run a batch.
package model

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-mnist/config"
	"github.com/tsawler/go-mnist/layers"
	"github.com/tsawler/go-mnist/tensor"
)

// Parameter is a learnable tensor with its gradient.
type Parameter = layers.Parameter

// Model maps an image batch [N,1,28,28] to class scores [N,classes].
type Model interface {
	Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error)
	// Backward propagates the gradient of the loss with respect to the last Forward
	// output and accumulates parameter gradients.
	Backward(gradOut *tensor.Tensor) error
	Parameters() []*Parameter
	ZeroGrad()
	StateDict() StateDict
	LoadStateDict(sd StateDict) error
	Spec() *layers.ModelSpec
}

// Sequential runs compiled layers in order.
type Sequential struct {
	spec   *layers.ModelSpec
	layers []layers.Layer
	params []*Parameter
}

// NewSequential builds a model from a compiled spec. A nil rng leaves parameters zero.
func NewSequential(spec *layers.ModelSpec, rng *rand.Rand) (*Sequential, error) {
	built, err := layers.Build(spec, rng)
	if err != nil {
		return nil, err
	}
	m := &Sequential{spec: spec, layers: built}
	for _, l := range built {
		m.params = append(m.params, l.Parameters()...)
	}
	return m, nil
}

// CNNSpec describes the MNIST classifier: one conv → ReLU → 2x2 max pool block per
// configured channel count, followed by a dense layer producing class scores.
func CNNSpec(cfg config.ModelConfig) (*layers.ModelSpec, error) {
	b := layers.NewModelBuilder([]int{1, 1, 28, 28})
	for i, ch := range cfg.Channels {
		n := i + 1
		b.AddConv2D(ch, cfg.KernelSize, 1, cfg.KernelSize/2, true, fmt.Sprintf("conv%d", n)).
			AddReLU(fmt.Sprintf("relu%d", n)).
			AddMaxPool2D(2, 2, fmt.Sprintf("pool%d", n))
	}
	b.AddDense(cfg.Classes, true, "fc")
	return b.Compile()
}

// NewCNN builds the classifier with parameters drawn from rng.
func NewCNN(cfg config.ModelConfig, rng *rand.Rand) (*Sequential, error) {
	spec, err := CNNSpec(cfg)
	if err != nil {
		return nil, fmt.Errorf("building CNN: %w", err)
	}
	return NewSequential(spec, rng)
}

func (m *Sequential) Spec() *layers.ModelSpec { return m.spec }

func (m *Sequential) Parameters() []*Parameter { return m.params }

func (m *Sequential) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	var err error
	for _, l := range m.layers {
		if x, err = l.Forward(x, train); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (m *Sequential) Backward(gradOut *tensor.Tensor) error {
	g := gradOut
	var err error
	for i := len(m.layers) - 1; i >= 0; i-- {
		if g, err = m.layers[i].Backward(g); err != nil {
			return err
		}
	}
	return nil
}

func (m *Sequential) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

func (m *Sequential) StateDict() StateDict {
	return stateDictOf(m.params)
}

func (m *Sequential) LoadStateDict(sd StateDict) error {
	return loadInto(m.params, sd)
}

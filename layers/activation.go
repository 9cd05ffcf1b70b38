package layers

import (
	"github.com/tsawler/go-mnist/tensor"
)

type reluLayer struct {
	spec  LayerSpec
	shape []int
	mask  []bool
}

func (l *reluLayer) Spec() LayerSpec          { return l.spec }
func (l *reluLayer) Parameters() []*Parameter { return nil }

func (l *reluLayer) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if err := checkInput(l.spec, x); err != nil {
		return nil, err
	}
	y := x.Clone()
	var mask []bool
	if train {
		mask = make([]bool, len(y.Data))
	}
	for i, v := range y.Data {
		if v > 0 {
			if mask != nil {
				mask[i] = true
			}
			continue
		}
		y.Data[i] = 0
	}
	l.mask = mask
	l.shape = x.Shape
	return y, nil
}

func (l *reluLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	var cached *tensor.Tensor
	if l.mask != nil {
		cached = gradOut
	}
	if err := checkGrad(l.spec, cached, gradOut, l.shape); err != nil {
		return nil, err
	}
	gradIn := gradOut.Clone()
	for i, on := range l.mask {
		if !on {
			gradIn.Data[i] = 0
		}
	}
	return gradIn, nil
}

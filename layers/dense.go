package layers

import (
	"github.com/tsawler/go-mnist/parallel"
	"github.com/tsawler/go-mnist/tensor"
)

// denseLayer computes y = x·W + b with W stored as [inputSize, outputSize].
type denseLayer struct {
	spec   LayerSpec
	weight *Parameter
	bias   *Parameter
	input  *tensor.Tensor
}

func newDenseLayer(spec LayerSpec) (*denseLayer, error) {
	l := &denseLayer{spec: spec}
	var err error
	if l.weight, err = newParameter(spec.Name+".weight", spec.ParameterShapes[0]); err != nil {
		return nil, err
	}
	if len(spec.ParameterShapes) > 1 {
		if l.bias, err = newParameter(spec.Name+".bias", spec.ParameterShapes[1]); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *denseLayer) Spec() LayerSpec { return l.spec }

func (l *denseLayer) Parameters() []*Parameter {
	if l.bias == nil {
		return []*Parameter{l.weight}
	}
	return []*Parameter{l.weight, l.bias}
}

func (l *denseLayer) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if err := checkInput(l.spec, x); err != nil {
		return nil, err
	}
	batch := x.Shape[0]
	in, out := l.weight.Value.Shape[0], l.weight.Value.Shape[1]
	y, err := tensor.Zeros([]int{batch, out})
	if err != nil {
		return nil, err
	}
	w := l.weight.Value.Data

	parallel.ForEach(batch, parallel.Limit(), func(n int) {
		xs := x.Data[n*in : (n+1)*in]
		ys := y.Data[n*out : (n+1)*out]
		if l.bias != nil {
			copy(ys, l.bias.Value.Data)
		}
		for i, xv := range xs {
			if xv == 0 {
				continue
			}
			row := w[i*out : (i+1)*out]
			for j, wv := range row {
				ys[j] += xv * wv
			}
		}
	})

	if train {
		l.input = x
	} else {
		l.input = nil
	}
	return y, nil
}

func (l *denseLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	x := l.input
	if x == nil {
		return nil, checkGrad(l.spec, nil, gradOut, nil)
	}
	batch := x.Shape[0]
	in, out := l.weight.Value.Shape[0], l.weight.Value.Shape[1]
	if err := checkGrad(l.spec, x, gradOut, []int{batch, out}); err != nil {
		return nil, err
	}
	g := gradOut.Data
	w := l.weight.Value.Data
	gw := l.weight.Grad.Data

	parallel.ForEach(in, parallel.Limit(), func(i int) {
		row := gw[i*out : (i+1)*out]
		for n := 0; n < batch; n++ {
			xv := x.Data[n*in+i]
			if xv == 0 {
				continue
			}
			gs := g[n*out : (n+1)*out]
			for j, gv := range gs {
				row[j] += xv * gv
			}
		}
	})

	if l.bias != nil {
		gb := l.bias.Grad.Data
		for n := 0; n < batch; n++ {
			for j, gv := range g[n*out : (n+1)*out] {
				gb[j] += gv
			}
		}
	}

	gradIn, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	parallel.ForEach(batch, parallel.Limit(), func(n int) {
		gs := g[n*out : (n+1)*out]
		gx := gradIn.Data[n*in : (n+1)*in]
		for i := range gx {
			row := w[i*out : (i+1)*out]
			var sum float32
			for j, gv := range gs {
				sum += gv * row[j]
			}
			gx[i] = sum
		}
	})

	return gradIn, nil
}

package layers

import (
	"github.com/tsawler/go-mnist/parallel"
	"github.com/tsawler/go-mnist/tensor"
)

type conv2DLayer struct {
	spec    LayerSpec
	weight  *Parameter
	bias    *Parameter
	stride  int
	padding int
	input   *tensor.Tensor
}

func newConv2DLayer(spec LayerSpec) (*conv2DLayer, error) {
	l := &conv2DLayer{
		spec:    spec,
		stride:  getIntParam(spec.Parameters, "stride", 1),
		padding: getIntParam(spec.Parameters, "padding", 0),
	}
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

func (l *conv2DLayer) Spec() LayerSpec { return l.spec }

func (l *conv2DLayer) Parameters() []*Parameter {
	if l.bias == nil {
		return []*Parameter{l.weight}
	}
	return []*Parameter{l.weight, l.bias}
}

type convDims struct {
	n, c, h, w      int
	o, k, oh, ow    int
	stride, padding int
}

func (l *conv2DLayer) dims(batch int) convDims {
	ws := l.weight.Value.Shape
	out := l.spec.OutputShape
	in := l.spec.InputShape
	return convDims{
		n: batch, c: in[1], h: in[2], w: in[3],
		o: ws[0], k: ws[2], oh: out[2], ow: out[3],
		stride: l.stride, padding: l.padding,
	}
}

func (l *conv2DLayer) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if err := checkInput(l.spec, x); err != nil {
		return nil, err
	}
	d := l.dims(x.Shape[0])
	y, err := tensor.Zeros(outputShapeFor(l.spec, d.n))
	if err != nil {
		return nil, err
	}
	w := l.weight.Value.Data

	parallel.ForEach(d.n, parallel.Limit(), func(n int) {
		xs := x.Data[n*d.c*d.h*d.w : (n+1)*d.c*d.h*d.w]
		ys := y.Data[n*d.o*d.oh*d.ow : (n+1)*d.o*d.oh*d.ow]
		for o := 0; o < d.o; o++ {
			var b float32
			if l.bias != nil {
				b = l.bias.Value.Data[o]
			}
			for oy := 0; oy < d.oh; oy++ {
				for ox := 0; ox < d.ow; ox++ {
					sum := b
					for c := 0; c < d.c; c++ {
						for ky := 0; ky < d.k; ky++ {
							iy := oy*d.stride - d.padding + ky
							if iy < 0 || iy >= d.h {
								continue
							}
							for kx := 0; kx < d.k; kx++ {
								ix := ox*d.stride - d.padding + kx
								if ix < 0 || ix >= d.w {
									continue
								}
								sum += xs[(c*d.h+iy)*d.w+ix] * w[((o*d.c+c)*d.k+ky)*d.k+kx]
							}
						}
					}
					ys[(o*d.oh+oy)*d.ow+ox] = sum
				}
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

func (l *conv2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	x := l.input
	if x == nil {
		return nil, checkGrad(l.spec, nil, gradOut, nil)
	}
	d := l.dims(x.Shape[0])
	if err := checkGrad(l.spec, x, gradOut, outputShapeFor(l.spec, d.n)); err != nil {
		return nil, err
	}
	g := gradOut.Data
	w := l.weight.Value.Data
	gw := l.weight.Grad.Data

	// weight and bias gradients, one output channel per goroutine
	parallel.ForEach(d.o, parallel.Limit(), func(o int) {
		for n := 0; n < d.n; n++ {
			xs := x.Data[n*d.c*d.h*d.w : (n+1)*d.c*d.h*d.w]
			gs := g[(n*d.o+o)*d.oh*d.ow : (n*d.o+o+1)*d.oh*d.ow]
			for oy := 0; oy < d.oh; oy++ {
				for ox := 0; ox < d.ow; ox++ {
					gv := gs[oy*d.ow+ox]
					if gv == 0 {
						continue
					}
					if l.bias != nil {
						l.bias.Grad.Data[o] += gv
					}
					for c := 0; c < d.c; c++ {
						for ky := 0; ky < d.k; ky++ {
							iy := oy*d.stride - d.padding + ky
							if iy < 0 || iy >= d.h {
								continue
							}
							for kx := 0; kx < d.k; kx++ {
								ix := ox*d.stride - d.padding + kx
								if ix < 0 || ix >= d.w {
									continue
								}
								gw[((o*d.c+c)*d.k+ky)*d.k+kx] += gv * xs[(c*d.h+iy)*d.w+ix]
							}
						}
					}
				}
			}
		}
	})

	gradIn, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	parallel.ForEach(d.n, parallel.Limit(), func(n int) {
		gx := gradIn.Data[n*d.c*d.h*d.w : (n+1)*d.c*d.h*d.w]
		for o := 0; o < d.o; o++ {
			gs := g[(n*d.o+o)*d.oh*d.ow : (n*d.o+o+1)*d.oh*d.ow]
			for oy := 0; oy < d.oh; oy++ {
				for ox := 0; ox < d.ow; ox++ {
					gv := gs[oy*d.ow+ox]
					if gv == 0 {
						continue
					}
					for c := 0; c < d.c; c++ {
						for ky := 0; ky < d.k; ky++ {
							iy := oy*d.stride - d.padding + ky
							if iy < 0 || iy >= d.h {
								continue
							}
							for kx := 0; kx < d.k; kx++ {
								ix := ox*d.stride - d.padding + kx
								if ix < 0 || ix >= d.w {
									continue
								}
								gx[(c*d.h+iy)*d.w+ix] += gv * w[((o*d.c+c)*d.k+ky)*d.k+kx]
							}
						}
					}
				}
			}
		}
	})

	return gradIn, nil
}

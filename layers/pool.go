package layers

import (
	"github.com/tsawler/go-mnist/parallel"
	"github.com/tsawler/go-mnist/tensor"
)

type maxPool2DLayer struct {
	spec     LayerSpec
	poolSize int
	stride   int
	inShape  []int
	argmax   []int
}

func newMaxPool2DLayer(spec LayerSpec) (*maxPool2DLayer, error) {
	poolSize := getIntParam(spec.Parameters, "pool_size", 2)
	return &maxPool2DLayer{
		spec:     spec,
		poolSize: poolSize,
		stride:   getIntParam(spec.Parameters, "stride", poolSize),
	}, nil
}

func (l *maxPool2DLayer) Spec() LayerSpec          { return l.spec }
func (l *maxPool2DLayer) Parameters() []*Parameter { return nil }

func (l *maxPool2DLayer) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if err := checkInput(l.spec, x); err != nil {
		return nil, err
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := l.spec.OutputShape[2], l.spec.OutputShape[3]
	y, err := tensor.Zeros([]int{n, c, oh, ow})
	if err != nil {
		return nil, err
	}
	// argmax holds flat input offsets so backward can route gradients
	argmax := make([]int, len(y.Data))

	parallel.ForEach(n, parallel.Limit(), func(b int) {
		for ch := 0; ch < c; ch++ {
			plane := (b*c + ch) * h * w
			out := (b*c + ch) * oh * ow
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					best := plane + (oy*l.stride)*w + ox*l.stride
					for py := 0; py < l.poolSize; py++ {
						for px := 0; px < l.poolSize; px++ {
							idx := plane + (oy*l.stride+py)*w + ox*l.stride + px
							if x.Data[idx] > x.Data[best] {
								best = idx
							}
						}
					}
					y.Data[out+oy*ow+ox] = x.Data[best]
					argmax[out+oy*ow+ox] = best
				}
			}
		}
	})

	if train {
		l.argmax = argmax
		l.inShape = x.Shape
	} else {
		l.argmax = nil
	}
	return y, nil
}

func (l *maxPool2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.argmax == nil {
		return nil, checkGrad(l.spec, nil, gradOut, nil)
	}
	if err := checkGrad(l.spec, gradOut, gradOut, outputShapeFor(l.spec, l.inShape[0])); err != nil {
		return nil, err
	}
	gradIn, err := tensor.Zeros(l.inShape)
	if err != nil {
		return nil, err
	}
	for i, gv := range gradOut.Data {
		gradIn.Data[l.argmax[i]] += gv
	}
	return gradIn, nil
}

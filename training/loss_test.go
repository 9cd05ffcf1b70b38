package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mnist/tensor"
)

func logits(t *testing.T, rows, cols int, data ...float32) *tensor.Tensor {
	t.Helper()
	x, err := tensor.New([]int{rows, cols}, data)
	require.NoError(t, err)
	return x
}

func TestCrossEntropyLoss(t *testing.T) {
	t.Run("uniform logits", func(t *testing.T) {
		ce := NewCrossEntropyLoss("mean")
		loss, err := ce.Forward(logits(t, 2, 4, 0, 0, 0, 0, 1, 1, 1, 1), []int32{0, 3})
		require.NoError(t, err)
		assert.InDelta(t, math.Log(4), loss, 1e-9)
	})

	t.Run("sum reduction", func(t *testing.T) {
		ce := NewCrossEntropyLoss("sum")
		loss, err := ce.Forward(logits(t, 2, 4, 0, 0, 0, 0, 1, 1, 1, 1), []int32{0, 3})
		require.NoError(t, err)
		assert.InDelta(t, 2*math.Log(4), loss, 1e-9)
	})

	t.Run("large logits stay finite", func(t *testing.T) {
		ce := NewCrossEntropyLoss("mean")
		loss, err := ce.Forward(logits(t, 1, 2, 1000, -1000), []int32{1})
		require.NoError(t, err)
		assert.InDelta(t, 2000, loss, 1e-6)
	})

	t.Run("rejects bad targets", func(t *testing.T) {
		ce := NewCrossEntropyLoss("mean")
		_, err := ce.Forward(logits(t, 1, 2, 0, 0), []int32{2})
		assert.Error(t, err)
		_, err = ce.Backward(logits(t, 1, 2, 0, 0), []int32{0, 1})
		assert.Error(t, err)
	})
}

func TestCrossEntropyGradient(t *testing.T) {
	x := logits(t, 3, 4, 0.1, -0.3, 0.7, 0.2, 1.5, 0.0, -1.0, 0.4, -0.2, 0.3, 0.9, -0.8)
	target := []int32{2, 0, 3}
	ce := NewCrossEntropyLoss("mean")

	grad, err := ce.Backward(x, target)
	require.NoError(t, err)

	const eps = 1e-3
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		up, err := ce.Forward(x, target)
		require.NoError(t, err)
		x.Data[i] = orig - eps
		down, err := ce.Forward(x, target)
		require.NoError(t, err)
		x.Data[i] = orig

		assert.InDelta(t, (up-down)/(2*eps), grad.Data[i], 1e-3, "element %d", i)
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	p := softmax(logits(t, 2, 3, 1, 2, 3, -5, 0, 5))
	for r := 0; r < 2; r++ {
		var sum float64
		for _, v := range p.Data[r*3 : (r+1)*3] {
			sum += float64(v)
		}
		assert.InDelta(t, 1, sum, 1e-6)
	}
	assert.Equal(t, []int32{2, 2}, argmax(p))
}

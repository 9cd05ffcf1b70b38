package model

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mnist/config"
	"github.com/tsawler/go-mnist/distributed"
	"github.com/tsawler/go-mnist/tensor"
)

var smallCNN = config.ModelConfig{Channels: []int{2, 3}, KernelSize: 3, Classes: 4}

func newCNN(t *testing.T, seed int64) *Sequential {
	t.Helper()
	m, err := NewCNN(smallCNN, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return m
}

func images(t *testing.T, n int, seed int64) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomUniform([]int{n, 1, 28, 28}, 0, 1, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return x
}

func ones(t *testing.T, shape ...int) *tensor.Tensor {
	g := tensor.MustZeros(shape...)
	g.Fill(1)
	return g
}

func gradients(m Model) [][]float32 {
	var out [][]float32
	for _, p := range m.Parameters() {
		out = append(out, append([]float32(nil), p.Grad.Data...))
	}
	return out
}

func TestCNNShapeAndNames(t *testing.T) {
	m := newCNN(t, 0)
	y, err := m.Forward(images(t, 3, 1), false)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, y.Shape)

	assert.Equal(t, []string{"conv1.weight", "conv1.bias", "conv2.weight", "conv2.bias", "fc.weight", "fc.bias"},
		m.StateDict().Names())
}

func TestSameSeedSameParameters(t *testing.T) {
	assert.True(t, newCNN(t, 7).StateDict().Equal(newCNN(t, 7).StateDict()))
	assert.False(t, newCNN(t, 7).StateDict().Equal(newCNN(t, 8).StateDict()))
}

func TestStateDictRoundTrip(t *testing.T) {
	a := newCNN(t, 1)
	b := newCNN(t, 2)
	sd := a.StateDict()

	// the snapshot is a copy
	a.Parameters()[0].Value.Data[0] += 1
	assert.False(t, a.StateDict().Equal(sd))

	require.NoError(t, b.LoadStateDict(sd))
	assert.True(t, b.StateDict().Equal(sd))
}

func TestLoadStateDictRejectsMismatch(t *testing.T) {
	m := newCNN(t, 1)
	sd := m.StateDict()

	assert.Error(t, m.LoadStateDict(sd[1:]), "missing entry")

	extra := append(m.StateDict(), NamedTensor{Name: "fc.extra", Tensor: tensor.MustZeros(1)})
	assert.Error(t, m.LoadStateDict(extra), "unexpected entry")

	bad := m.StateDict()
	bad[0].Tensor = tensor.MustZeros(1)
	assert.Error(t, m.LoadStateDict(bad), "wrong shape")

	other, err := NewCNN(config.ModelConfig{Channels: []int{4}, KernelSize: 3, Classes: 4}, nil)
	require.NoError(t, err)
	assert.Error(t, other.LoadStateDict(sd))
}

func TestDataParallelMatchesSingleModel(t *testing.T) {
	x := images(t, 7, 3)

	single := newCNN(t, 5)
	y, err := single.Forward(x, true)
	require.NoError(t, err)
	require.NoError(t, single.Backward(ones(t, y.Shape...)))

	dp, err := NewDataParallel(newCNN(t, 5), 3)
	require.NoError(t, err)
	dp.ZeroGrad()
	yp, err := dp.Forward(x, true)
	require.NoError(t, err)
	require.Equal(t, y.Shape, yp.Shape)
	for i := range y.Data {
		assert.InDelta(t, y.Data[i], yp.Data[i], 1e-6)
	}
	require.NoError(t, dp.Backward(ones(t, yp.Shape...)))

	want, got := gradients(single), gradients(dp)
	for i := range want {
		for j := range want[i] {
			assert.InDelta(t, want[i][j], got[i][j], 1e-4, "param %d element %d", i, j)
		}
	}
}

func TestDataParallelSmallBatchAndReplication(t *testing.T) {
	master := newCNN(t, 5)
	dp, err := NewDataParallel(master, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, dp.Replicas())

	y, err := dp.Forward(images(t, 2, 1), true)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, y.Shape)
	require.NoError(t, dp.Backward(ones(t, 2, 4)))

	// master updates are visible to the replicas on the next forward
	master.Parameters()[4].Value.Fill(0)
	master.Parameters()[5].Value.Fill(0.25)
	y, err = dp.Forward(images(t, 5, 2), false)
	require.NoError(t, err)
	for _, v := range y.Data {
		assert.Equal(t, float32(0.25), v)
	}

	assert.Error(t, dp.Backward(ones(t, 5, 4)), "inference forward keeps no state")

	_, err = NewDataParallel(master, 0)
	assert.Error(t, err)
}

func TestDistributedDataParallelAveragesGradients(t *testing.T) {
	groups := distributed.NewLocalGroups(2)
	inputs := []*tensor.Tensor{images(t, 2, 10), images(t, 3, 11)}

	// expected: the mean of each rank's local gradients using rank 0's parameters
	var want [][]float32
	for r := range inputs {
		m := newCNN(t, 1)
		y, err := m.Forward(inputs[r], true)
		require.NoError(t, err)
		require.NoError(t, m.Backward(ones(t, y.Shape...)))
		g := gradients(m)
		if want == nil {
			want = g
			continue
		}
		for i := range want {
			for j := range want[i] {
				want[i][j] = (want[i][j] + g[i][j]) / 2
			}
		}
	}

	got := make([][][]float32, 2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			// rank 1 starts from different weights; the broadcast must fix that
			ddp, err := NewDistributedDataParallel(context.Background(), newCNN(t, int64(1+r)), groups[r])
			if !assert.NoError(t, err) {
				return
			}
			y, err := ddp.Forward(inputs[r], true)
			if !assert.NoError(t, err) {
				return
			}
			if assert.NoError(t, ddp.Backward(ones(t, y.Shape...))) {
				got[r] = gradients(ddp)
			}
		}(r)
	}
	wg.Wait()

	for r := range got {
		require.NotNil(t, got[r])
		for i := range want {
			for j := range want[i] {
				assert.InDelta(t, want[i][j], got[r][i][j], 1e-4)
			}
		}
	}
}

package layers_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mnist/layers"
)

func mnistSpec(t *testing.T) *layers.ModelSpec {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{1, 1, 28, 28}).
		AddConv2D(16, 5, 1, 2, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddConv2D(32, 5, 1, 2, true, "conv2").
		AddReLU("relu2").
		AddMaxPool2D(2, 2, "pool2").
		AddDense(10, true, "fc").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	return model
}

func TestModelBuilderComputesShapes(t *testing.T) {
	model := mnistSpec(t)

	assert.Equal(t, []int{1, 10}, model.OutputShape)
	assert.Equal(t, []int{1, 16, 28, 28}, model.Layers[0].OutputShape)
	assert.Equal(t, []int{1, 16, 14, 14}, model.Layers[2].OutputShape)
	assert.Equal(t, []int{1, 32, 7, 7}, model.Layers[5].OutputShape)
	assert.Equal(t, [][]int{{32 * 7 * 7, 10}, {10}}, model.Layers[6].ParameterShapes)

	expected := int64(16*1*25 + 16 + 32*16*25 + 32 + 32*7*7*10 + 10)
	assert.Equal(t, expected, model.TotalParameters)

	var sum int64
	for _, l := range model.Layers {
		sum += l.ParameterCount
	}
	assert.Equal(t, model.TotalParameters, sum)
}

func TestModelBuilderErrors(t *testing.T) {
	_, err := layers.NewModelBuilder([]int{1, 1, 28, 28}).Compile()
	assert.Error(t, err, "empty model")

	_, err = layers.NewModelBuilder([]int{1, 1, 4, 4}).AddConv2D(2, 7, 1, 0, true, "conv").Compile()
	assert.Error(t, err, "kernel larger than input")

	_, err = layers.NewModelBuilder([]int{1, 8}).AddConv2D(2, 3, 1, 1, true, "conv").Compile()
	assert.Error(t, err, "conv on 2D input")

	_, err = layers.NewModelBuilder([]int{1, 8}).AddReLU("a").AddReLU("a").Compile()
	assert.Error(t, err, "duplicate names")
}

func TestSummaryListsLayers(t *testing.T) {
	summary := mnistSpec(t).Summary()
	for _, name := range []string{"conv1", "pool2", "fc", "MaxPool2D", "Total Parameters"} {
		assert.True(t, strings.Contains(summary, name), "summary should mention %s", name)
	}
	assert.Equal(t, "Model not compiled", (&layers.ModelSpec{}).Summary())
}

func TestSpecSurvivesJSON(t *testing.T) {
	model := mnistSpec(t)
	b, err := json.Marshal(model)
	require.NoError(t, err)

	var decoded layers.ModelSpec
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.NoError(t, model.Compatible(&decoded))

	// decoded parameters are float64; Build must still read them
	built, err := layers.Build(&decoded, nil)
	require.NoError(t, err)
	assert.Len(t, built, len(model.Layers))
}

func TestCompatibleDetectsChanges(t *testing.T) {
	a := mnistSpec(t)
	b, err := layers.NewModelBuilder([]int{1, 1, 28, 28}).
		AddConv2D(8, 5, 1, 2, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddConv2D(32, 5, 1, 2, true, "conv2").
		AddReLU("relu2").
		AddMaxPool2D(2, 2, "pool2").
		AddDense(10, true, "fc").
		Compile()
	require.NoError(t, err)
	assert.Error(t, a.Compatible(b))
	assert.Error(t, a.Compatible(nil))
	assert.NoError(t, a.Compatible(a))
}

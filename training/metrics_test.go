package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfusionMatrix(t *testing.T) {
	cm := NewConfusionMatrix(3)
	// true:      0 0 1 1 2 2
	// predicted: 0 1 1 1 2 0
	require.NoError(t, cm.Update([]int32{0, 1, 1, 1, 2, 0}, []int32{0, 0, 1, 1, 2, 2}))

	assert.Equal(t, 6, cm.TotalSamples)
	assert.Equal(t, 4, cm.Correct())
	assert.InDelta(t, 4.0/6, cm.GetMetric(Accuracy), 1e-12)

	// precision per class: 1/2, 2/3, 1/1
	assert.InDelta(t, (0.5+2.0/3+1)/3, cm.GetMetric(MacroPrecision), 1e-12)
	// recall per class: 1/2, 2/2, 1/2
	assert.InDelta(t, (0.5+1+0.5)/3, cm.GetMetric(MacroRecall), 1e-12)
	// f1 per class: 2/4, 4/5, 2/3
	assert.InDelta(t, (0.5+0.8+2.0/3)/3, cm.GetMetric(MacroF1), 1e-12)

	assert.Contains(t, cm.String(), "true\\pred")

	cm.Reset()
	assert.Equal(t, 0, cm.TotalSamples)
	assert.Equal(t, 0.0, cm.GetMetric(Accuracy))
	assert.Equal(t, 0.0, cm.GetMetric(MacroPrecision))
}

func TestConfusionMatrixRejectsBadInput(t *testing.T) {
	cm := NewConfusionMatrix(2)
	assert.Error(t, cm.Update([]int32{0}, []int32{0, 1}))
	assert.Error(t, cm.Update([]int32{2}, []int32{0}))
	assert.Error(t, cm.Update([]int32{0}, []int32{-1}))
}

func TestRunningAverage(t *testing.T) {
	var r RunningAverage
	assert.Equal(t, 0.0, r.Mean())

	r.Add(1.0, 2)
	r.Add(4.0, 1)
	assert.InDelta(t, 2.0, r.Mean(), 1e-12)
	assert.Equal(t, 3, r.Count())
}

func TestMetricTypeString(t *testing.T) {
	assert.Equal(t, "MacroF1", MacroF1.String())
	assert.Equal(t, "Unknown(42)", MetricType(42).String())
}

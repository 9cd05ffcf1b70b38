package training

import (
	"fmt"
	"strings"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds one batch of predicted and true class indices.
func (cm *ConfusionMatrix) Update(predicted, trueLabels []int32) error {
	if len(predicted) != len(trueLabels) {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", len(predicted), len(trueLabels))
	}
	for i, p := range predicted {
		t := trueLabels[i]
		if t < 0 || int(t) >= cm.NumClasses || p < 0 || int(p) >= cm.NumClasses {
			return fmt.Errorf("class out of range: true %d, predicted %d, classes %d", t, p, cm.NumClasses)
		}
		cm.Matrix[t][p]++
		cm.TotalSamples++
	}
	return nil
}

// Correct is the number of samples on the diagonal.
func (cm *ConfusionMatrix) Correct() int {
	n := 0
	for i := range cm.Matrix {
		n += cm.Matrix[i][i]
	}
	return n
}

// GetMetric computes a metric as a fraction in [0, 1]. Classes that were never
// predicted (precision) or never seen (recall) are left out of the macro averages.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		if cm.TotalSamples == 0 {
			return 0
		}
		return float64(cm.Correct()) / float64(cm.TotalSamples)
	case MacroPrecision:
		return cm.macro(func(tp, fp, fn float64) (float64, bool) {
			return tp / (tp + fp), tp+fp > 0
		})
	case MacroRecall:
		return cm.macro(func(tp, fp, fn float64) (float64, bool) {
			return tp / (tp + fn), tp+fn > 0
		})
	case MacroF1:
		return cm.macro(func(tp, fp, fn float64) (float64, bool) {
			return 2 * tp / (2*tp + fp + fn), tp+fp+fn > 0
		})
	default:
		return 0
	}
}

func (cm *ConfusionMatrix) macro(score func(tp, fp, fn float64) (float64, bool)) float64 {
	sum, valid := 0.0, 0
	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		var fp, fn float64
		for other := 0; other < cm.NumClasses; other++ {
			if other == class {
				continue
			}
			fp += float64(cm.Matrix[other][class])
			fn += float64(cm.Matrix[class][other])
		}
		if s, ok := score(tp, fp, fn); ok {
			sum += s
			valid++
		}
	}
	if valid == 0 {
		return 0
	}
	return sum / float64(valid)
}

// String renders the matrix with true classes as rows.
func (cm *ConfusionMatrix) String() string {
	var b strings.Builder
	b.WriteString("true\\pred")
	for j := 0; j < cm.NumClasses; j++ {
		fmt.Fprintf(&b, "%6d", j)
	}
	b.WriteByte('\n')
	for i, row := range cm.Matrix {
		fmt.Fprintf(&b, "%9d", i)
		for _, n := range row {
			fmt.Fprintf(&b, "%6d", n)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// RunningAverage tracks the sample-weighted mean of a per-batch value.
type RunningAverage struct {
	sum   float64
	count int
}

func (r *RunningAverage) Add(value float64, n int) {
	r.sum += value * float64(n)
	r.count += n
}

func (r *RunningAverage) Mean() float64 {
	if r.count == 0 {
		return 0
	}
	return r.sum / float64(r.count)
}

func (r *RunningAverage) Count() int { return r.count }

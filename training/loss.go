package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-mnist/tensor"
)

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	Forward(predicted *tensor.Tensor, target []int32) (float64, error)
	Backward(predicted *tensor.Tensor, target []int32) (*tensor.Tensor, error)
}

// CrossEntropyLoss implements Cross Entropy loss function for classification
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

func (ce *CrossEntropyLoss) check(predicted *tensor.Tensor, target []int32) (int, int, error) {
	if predicted == nil || len(predicted.Shape) != 2 {
		return 0, 0, fmt.Errorf("predicted must be 2D tensor [batch_size, num_classes]")
	}
	batchSize, numClasses := predicted.Shape[0], predicted.Shape[1]
	if len(target) != batchSize {
		return 0, 0, fmt.Errorf("batch size mismatch: predicted %d, target %d", batchSize, len(target))
	}
	for _, c := range target {
		if c < 0 || int(c) >= numClasses {
			return 0, 0, fmt.Errorf("target class %d out of range [0, %d)", c, numClasses)
		}
	}
	return batchSize, numClasses, nil
}

// Forward computes the cross entropy of logits [batch_size, num_classes] against class
// indices, using log-sum-exp for stability.
func (ce *CrossEntropyLoss) Forward(predicted *tensor.Tensor, target []int32) (float64, error) {
	batchSize, numClasses, err := ce.check(predicted, target)
	if err != nil {
		return 0, err
	}

	var total float64
	for i := 0; i < batchSize; i++ {
		row := predicted.Data[i*numClasses : (i+1)*numClasses]
		maxVal := float64(row[0])
		for _, v := range row[1:] {
			maxVal = math.Max(maxVal, float64(v))
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v) - maxVal)
		}
		total += maxVal + math.Log(sum) - float64(row[target[i]])
	}

	if ce.reduction == "mean" {
		total /= float64(batchSize)
	}
	return total, nil
}

// Backward computes the gradient of the loss with respect to the logits:
// softmax(predicted) - onehot(target), scaled by 1/batch_size for the mean reduction.
func (ce *CrossEntropyLoss) Backward(predicted *tensor.Tensor, target []int32) (*tensor.Tensor, error) {
	batchSize, numClasses, err := ce.check(predicted, target)
	if err != nil {
		return nil, err
	}

	grad := softmax(predicted)
	scale := float32(1)
	if ce.reduction == "mean" {
		scale = 1 / float32(batchSize)
	}
	for i := 0; i < batchSize; i++ {
		grad.Data[i*numClasses+int(target[i])] -= 1
	}
	for i := range grad.Data {
		grad.Data[i] *= scale
	}
	return grad, nil
}

// softmax applies softmax row by row to [batch_size, num_classes] logits
func softmax(logits *tensor.Tensor) *tensor.Tensor {
	out := logits.Clone()
	numClasses := logits.Shape[1]
	for offset := 0; offset < len(out.Data); offset += numClasses {
		row := out.Data[offset : offset+numClasses]

		// Find max for numerical stability
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}

		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			row[j] = float32(e)
			sum += e
		}
		for j := range row {
			row[j] = float32(float64(row[j]) / sum)
		}
	}
	return out
}

// argmax returns the index of the largest score in each row.
func argmax(scores *tensor.Tensor) []int32 {
	numClasses := scores.Shape[1]
	out := make([]int32, scores.Shape[0])
	for i := range out {
		row := scores.Data[i*numClasses : (i+1)*numClasses]
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		out[i] = int32(best)
	}
	return out
}

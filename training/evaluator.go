package training

import (
	"context"
	"fmt"
	"io"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-mnist/model"
	"github.com/tsawler/go-mnist/vision/dataloader"
)

// EvalStats summarises one evaluation pass
type EvalStats struct {
	Epoch          int
	Loss           float64
	Precision      float64 // top-1, percent
	MacroPrecision float64 // percent
	Samples        int
}

// Evaluator measures a model on held-out data. It never changes the model.
type Evaluator struct {
	loader    *dataloader.DataLoader
	model     model.Model
	criterion Loss
	classes   int
	progress  io.Writer

	last EvalStats
}

// NewEvaluator creates an evaluator for a classifier with the given class count.
// progress may be nil.
func NewEvaluator(loader *dataloader.DataLoader, m model.Model, criterion Loss, classes int, progress io.Writer) *Evaluator {
	return &Evaluator{loader: loader, model: m, criterion: criterion, classes: classes, progress: progress}
}

// Evaluate runs one inference pass and returns the top-1 precision in percent. A
// negative epoch marks a standalone test pass.
func (e *Evaluator) Evaluate(ctx context.Context, epoch int) (float64, error) {
	var bar *ProgressBar
	if e.progress != nil {
		desc := "Test"
		if epoch >= 0 {
			desc = fmt.Sprintf("Test  %d", epoch+1)
		}
		bar = NewProgressBarTo(e.progress, desc, e.loader.Len())
	}

	cm := NewConfusionMatrix(e.classes)
	var loss RunningAverage
	batches := 0

	it := e.loader.Iter(ctx)
	defer it.Close()
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		out, err := e.model.Forward(b.Data, false)
		if err != nil {
			b.Release()
			return 0, fmt.Errorf("evaluate epoch %d: forward: %w", epoch, err)
		}
		l, err := e.criterion.Forward(out, b.Labels)
		if err == nil {
			err = cm.Update(argmax(out), b.Labels)
		}
		loss.Add(l, len(b.Labels))
		b.Release()
		if err != nil {
			return 0, fmt.Errorf("evaluate epoch %d: %w", epoch, err)
		}

		batches++
		if bar != nil {
			bar.Update(batches, map[string]float64{
				"loss":      loss.Mean(),
				"precision": 100 * cm.GetMetric(Accuracy),
			})
		}
	}
	if err := it.Err(); err != nil {
		return 0, fmt.Errorf("evaluate epoch %d: %w", epoch, err)
	}
	if bar != nil {
		bar.Finish()
	}

	e.last = EvalStats{
		Epoch:          epoch,
		Loss:           loss.Mean(),
		Precision:      100 * cm.GetMetric(Accuracy),
		MacroPrecision: 100 * cm.GetMetric(MacroPrecision),
		Samples:        cm.TotalSamples,
	}
	klog.Infof("epoch %d: test loss %.4f precision %.2f%% (macro %.2f%%, %d samples)",
		epoch, e.last.Loss, e.last.Precision, e.last.MacroPrecision, e.last.Samples)
	klog.V(1).Infof("epoch %d: macro recall %.2f%% macro F1 %.2f%%",
		epoch, 100*cm.GetMetric(MacroRecall), 100*cm.GetMetric(MacroF1))
	klog.V(2).Infof("confusion matrix:\n%s", cm)
	return e.last.Precision, nil
}

// LastStats returns the statistics of the most recent Evaluate call.
func (e *Evaluator) LastStats() EvalStats { return e.last }

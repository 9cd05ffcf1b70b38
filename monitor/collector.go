// Package monitor publishes live training statistics over HTTP and websockets and
// renders loss and precision curves as SVG.
package monitor

import (
	"sync"
	"time"
)

// PlotType names a chart the monitor can draw.
type PlotType string

const (
	LossCurves     PlotType = "loss"
	PrecisionCurve PlotType = "precision"
)

// EpochRecord is what the monitor learns about one finished epoch.
type EpochRecord struct {
	Epoch         int     `json:"epoch"`
	TrainLoss     float64 `json:"train_loss"`
	TrainAccuracy float64 `json:"train_accuracy"`
	TestLoss      float64 `json:"test_loss"`
	Precision     float64 `json:"precision"`
	BestPrecision float64 `json:"best_precision"`
	LearningRate  float64 `json:"learning_rate"`
	Elapsed       string  `json:"elapsed"`
}

// PlotData is a chart description independent of the renderer.
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	ModelName string       `json:"model_name"`
	Series    []SeriesData `json:"series"`
	XLabel    string       `json:"x_label"`
	YLabel    string       `json:"y_label"`
}

// SeriesData is one named line of a chart.
type SeriesData struct {
	Name string      `json:"name"`
	Data []DataPoint `json:"data"`
}

type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Collector accumulates epoch records. It is safe for concurrent use.
type Collector struct {
	mu        sync.RWMutex
	modelName string
	start     time.Time
	records   []EpochRecord
}

// NewCollector creates a new collector
func NewCollector(modelName string) *Collector {
	return &Collector{modelName: modelName, start: time.Now()}
}

// RecordEpoch appends r, stamping the wall time since the collector was created.
func (c *Collector) RecordEpoch(r EpochRecord) EpochRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.Elapsed = time.Since(c.start).Round(time.Millisecond).String()
	c.records = append(c.records, r)
	return r
}

// Records returns a copy of everything recorded so far.
func (c *Collector) Records() []EpochRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]EpochRecord(nil), c.records...)
}

// ModelName returns the name the collector was created with.
func (c *Collector) ModelName() string { return c.modelName }

// Plot builds the chart data for t. ok is false for an unknown type.
func (c *Collector) Plot(t PlotType) (PlotData, bool) {
	records := c.Records()
	series := func(name string, y func(EpochRecord) float64) SeriesData {
		s := SeriesData{Name: name, Data: make([]DataPoint, len(records))}
		for i, r := range records {
			s.Data[i] = DataPoint{X: float64(r.Epoch + 1), Y: y(r)}
		}
		return s
	}

	switch t {
	case LossCurves:
		return PlotData{
			PlotType:  t,
			Title:     "Loss",
			ModelName: c.modelName,
			XLabel:    "epoch",
			YLabel:    "cross entropy",
			Series: []SeriesData{
				series("train", func(r EpochRecord) float64 { return r.TrainLoss }),
				series("test", func(r EpochRecord) float64 { return r.TestLoss }),
			},
		}, true
	case PrecisionCurve:
		return PlotData{
			PlotType:  t,
			Title:     "Precision",
			ModelName: c.modelName,
			XLabel:    "epoch",
			YLabel:    "%",
			Series: []SeriesData{
				series("train accuracy", func(r EpochRecord) float64 { return r.TrainAccuracy }),
				series("test precision", func(r EpochRecord) float64 { return r.Precision }),
				series("best", func(r EpochRecord) float64 { return r.BestPrecision }),
			},
		}, true
	default:
		return PlotData{}, false
	}
}

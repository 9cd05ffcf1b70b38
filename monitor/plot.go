package monitor

import (
	"bytes"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

const (
	plotWidth  = 6 * vg.Inch
	plotHeight = 4 * vg.Inch
)

// RenderSVG draws pd as an SVG document.
func RenderSVG(pd PlotData) ([]byte, error) {
	p := plot.New()
	p.Title.Text = pd.Title
	if pd.ModelName != "" {
		p.Title.Text = pd.ModelName + ": " + pd.Title
	}
	p.X.Label.Text = pd.XLabel
	p.Y.Label.Text = pd.YLabel
	p.X.Padding, p.Y.Padding = 0, 0
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for i, s := range pd.Series {
		if len(s.Data) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(s.Data))
		for j, d := range s.Data {
			pts[j].X, pts[j].Y = d.X, d.Y
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", s.Name, err)
		}
		line.Width = vg.Points(2)
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(s.Name, line)
	}

	w, err := p.WriterTo(plotWidth, plotHeight, "svg")
	if err != nil {
		return nil, fmt.Errorf("rendering %s plot: %w", pd.PlotType, err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("rendering %s plot: %w", pd.PlotType, err)
	}
	return buf.Bytes(), nil
}

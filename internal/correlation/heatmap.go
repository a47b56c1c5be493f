package correlation

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// matrixGrid adapts a square matrix to the plotter grid interface, with row 0
// drawn at the top as matrices are conventionally read.
type matrixGrid struct {
	m *mat.Dense
}

func (g matrixGrid) Dims() (int, int) {
	r, c := g.m.Dims()
	return c, r
}

func (g matrixGrid) Z(c, r int) float64 {
	rows, _ := g.m.Dims()
	return g.m.At(rows-1-r, c)
}

func (g matrixGrid) X(c int) float64 { return float64(c) }
func (g matrixGrid) Y(r int) float64 { return float64(r) }

// SaveHeatmapSVG renders the correlation matrix as a diverging blue-red
// heatmap. The color scale is fixed to [-1, 1] so plots from different runs
// are comparable.
func SaveHeatmapSVG(path, title string, m *mat.Dense) error {
	cm := moreland.SmoothBlueRed()
	cm.SetMin(-1)
	cm.SetMax(1)

	hm := plotter.NewHeatMap(matrixGrid{m: m}, cm.Palette(255))
	hm.Min = -1
	hm.Max = 1

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "region"
	p.Y.Label.Text = "region"
	p.Add(hm)

	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("cannot save heatmap %s: %w", path, err)
	}
	return nil
}

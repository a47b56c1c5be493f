// Package report renders interactive HTML views of correlation results for
// eyeballing outputs without a plotting environment.
package report

import (
	"fmt"
	"math"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/mat"
)

// WriteHeatmap renders an interactive correlation heatmap. Rows and columns
// are labelled with the atlas region names; the color scale is symmetric
// around zero so positive and negative coupling read the same way as the
// static figure.
func WriteHeatmap(path, title string, regions []string, m *mat.Dense) error {
	nr, nc := m.Dims()
	if nr != len(regions) || nc != len(regions) {
		return fmt.Errorf("matrix is %dx%d but there are %d regions", nr, nc, len(regions))
	}

	data := make([]opts.HeatMapData, 0, nr*nc)
	maxAbs := 1.0
	for i := 0; i < nr; i++ {
		for j := 0; j < nc; j++ {
			v := m.At(i, j)
			if a := math.Abs(v); a > maxAbs {
				maxAbs = a
			}
			// Row 0 at the top.
			data = append(data, opts.HeatMapData{Value: [3]interface{}{j, nr - 1 - i, v}})
		}
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Data: regions}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: reversed(regions)}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(-maxAbs),
			Max:        float32(maxAbs),
			InRange:    &opts.VisualMapInRange{Color: []string{"#313695", "#74add1", "#e0f3f8", "#ffffff", "#fee090", "#f46d43", "#a50026"}},
		}),
	)
	hm.AddSeries("correlation", data)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create report %s: %w", path, err)
	}
	defer f.Close()
	if err := hm.Render(f); err != nil {
		return fmt.Errorf("cannot render report %s: %w", path, err)
	}
	return nil
}

func reversed(s []string) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

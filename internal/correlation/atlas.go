// Package correlation turns beta-series volumes into ROI-by-ROI correlation
// matrices using an atlas parcellation.
package correlation

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/mat"

	"github.com/Comeani/NiBetaSeries/internal/betaseries"
	"github.com/Comeani/NiBetaSeries/internal/monitoring"
)

// LUTEntry is one row of an atlas lookup table: a label value in the atlas
// image and the region name it stands for.
type LUTEntry struct {
	Index  int    `csv:"index"`
	Region string `csv:"regions"`
}

// ReadLUT parses an atlas lookup TSV with "index" and "regions" columns.
func ReadLUT(path string) ([]LUTEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read atlas lookup table %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'

	var entries []LUTEntry
	if err := gocsv.UnmarshalCSV(r, &entries); err != nil {
		return nil, fmt.Errorf("malformed atlas lookup table %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("atlas lookup table %s has no rows", path)
	}

	seen := make(map[int]string, len(entries))
	for _, e := range entries {
		if e.Region == "" {
			return nil, fmt.Errorf("atlas lookup table %s: index %d has no region name", path, e.Index)
		}
		if prev, dup := seen[e.Index]; dup {
			return nil, fmt.Errorf("atlas lookup table %s: index %d maps to both %q and %q", path, e.Index, prev, e.Region)
		}
		seen[e.Index] = e.Region
	}
	return entries, nil
}

// Regions returns the region names in table order.
func Regions(entries []LUTEntry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Region
	}
	return names
}

// MeanROISeries averages a beta-series volume within each atlas region,
// returning a regions x trials matrix with rows in lookup-table order. The
// atlas must share the series' spatial grid. Regions with no voxels in the
// atlas produce a zero row and a warning.
func MeanROISeries(series, atlas *betaseries.Volume, entries []LUTEntry) (*mat.Dense, error) {
	for i := 0; i < 3; i++ {
		if series.Dims[i] != atlas.Dims[i] {
			return nil, fmt.Errorf("atlas grid %v does not match beta series grid %v",
				atlas.Dims[:3], series.Dims[:3])
		}
	}

	nTrials := series.Dims[3]
	out := mat.NewDense(len(entries), nTrials, nil)

	rowOf := make(map[int]int, len(entries))
	for i, e := range entries {
		rowOf[e.Index] = i
	}

	counts := make([]int, len(entries))
	sums := make([][]float64, len(entries))
	for i := range sums {
		sums[i] = make([]float64, nTrials)
	}

	for z := 0; z < series.Dims[2]; z++ {
		for y := 0; y < series.Dims[1]; y++ {
			for x := 0; x < series.Dims[0]; x++ {
				label := int(atlas.At(x, y, z, 0))
				row, ok := rowOf[label]
				if !ok {
					continue
				}
				counts[row]++
				for t := 0; t < nTrials; t++ {
					sums[row][t] += series.At(x, y, z, t)
				}
			}
		}
	}

	for i, e := range entries {
		if counts[i] == 0 {
			monitoring.Warnf("atlas region %q (index %d) has no voxels in %s", e.Region, e.Index, atlas.Path())
			continue
		}
		for t := 0; t < nTrials; t++ {
			out.Set(i, t, sums[i][t]/float64(counts[i]))
		}
	}
	return out, nil
}

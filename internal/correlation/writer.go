package correlation

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/mat"
)

// WriteTSV writes a labelled correlation matrix as a TSV with region names
// along both axes. Non-finite cells are written as "n/a".
func WriteTSV(path string, regions []string, m *mat.Dense) error {
	nr, nc := m.Dims()
	if nr != len(regions) || nc != len(regions) {
		return fmt.Errorf("matrix is %dx%d but there are %d regions", nr, nc, len(regions))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create correlation table %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = '\t'

	header := append([]string{""}, regions...)
	if err := w.Write(header); err != nil {
		return err
	}
	row := make([]string, nc+1)
	for i := 0; i < nr; i++ {
		row[0] = regions[i]
		for j := 0; j < nc; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				row[j+1] = "n/a"
			} else {
				row[j+1] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// WriteNpy writes the matrix as a NumPy .npy file so downstream Python
// tooling can load it directly.
func WriteNpy(path string, m *mat.Dense) error {
	rows, cols := m.Dims()

	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}
	w.Shape = []int{rows, cols}
	w.Version = 2

	data := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data = append(data, m.At(i, j))
		}
	}
	if err := w.WriteFloat64(data); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

package betaseries

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// DegenerateFrames returns the indices of time points that carry no usable
// signal: any non-finite voxel value, or every in-mask voxel exactly zero.
// Such frames show up in truncated acquisitions and scanner dropouts and
// would otherwise poison the fit.
func DegenerateFrames(ts *mat.Dense) []int {
	nt, nv := ts.Dims()
	var bad []int
	for t := 0; t < nt; t++ {
		allZero := true
		finite := true
		for v := 0; v < nv; v++ {
			val := ts.At(t, v)
			if math.IsNaN(val) || math.IsInf(val, 0) {
				finite = false
				break
			}
			if val != 0 {
				allZero = false
			}
		}
		if !finite || allZero {
			bad = append(bad, t)
		}
	}
	return bad
}

// DropRows returns a copy of m with the given rows removed. Row indices must
// be sorted ascending. Returns m unchanged when rows is empty or m is nil.
func DropRows(m *mat.Dense, rows []int) *mat.Dense {
	if m == nil || len(rows) == 0 {
		return m
	}
	nr, nc := m.Dims()
	out := mat.NewDense(nr-len(rows), nc, nil)
	skip := 0
	for r := 0; r < nr; r++ {
		if skip < len(rows) && rows[skip] == r {
			skip++
			continue
		}
		for c := 0; c < nc; c++ {
			out.Set(r-skip, c, m.At(r, c))
		}
	}
	return out
}

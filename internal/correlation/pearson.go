package correlation

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// rowStat caches the mean and standard deviation of one ROI's beta series.
type rowStat struct {
	avg float64
	std float64
}

// Matrix computes the Pearson correlation between every pair of rows of ts
// (regions x trials). Rows are fanned out to a bounded worker pool; each
// worker takes a source row off the channel and fills the upper triangle
// from it. The result is symmetric with a unit diagonal; a constant row
// correlates as NaN with everything, matching the undefined statistic.
func Matrix(ts *mat.Dense, workers int) (*mat.Dense, error) {
	nRows, nCols := ts.Dims()
	if nCols < 2 {
		return nil, fmt.Errorf("need at least 2 trials to correlate, got %d", nCols)
	}
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	stats := make([]rowStat, nRows)
	for i := 0; i < nRows; i++ {
		var acc, accSq float64
		for t := 0; t < nCols; t++ {
			v := ts.At(i, t)
			acc += v
			accSq += v * v
		}
		avg := acc / float64(nCols)
		stats[i] = rowStat{avg: avg, std: math.Sqrt(accSq/float64(nCols) - avg*avg)}
	}

	out := mat.NewDense(nRows, nRows, nil)
	rows := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for from := range rows {
				for to := from; to < nRows; to++ {
					var accProd float64
					for t := 0; t < nCols; t++ {
						accProd += ts.At(from, t) * ts.At(to, t)
					}
					cov := accProd/float64(nCols) - stats[from].avg*stats[to].avg
					r := cov / (stats[from].std * stats[to].std)
					out.Set(from, to, r)
					out.Set(to, from, r)
				}
			}
		}()
	}
	for i := 0; i < nRows; i++ {
		rows <- i
	}
	close(rows)
	wg.Wait()

	return out, nil
}

// FisherZ applies the Fisher r-to-z transform in place and zeroes the
// diagonal, where atanh(1) would be infinite.
func FisherZ(m *mat.Dense) {
	nr, nc := m.Dims()
	for i := 0; i < nr; i++ {
		for j := 0; j < nc; j++ {
			if i == j {
				m.Set(i, j, 0)
				continue
			}
			m.Set(i, j, math.Atanh(m.At(i, j)))
		}
	}
}

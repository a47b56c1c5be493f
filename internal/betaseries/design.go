package betaseries

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Regressor builds the predicted response for a set of events by convolving
// their boxcar stimulus function with the response basis and sampling the
// result at scan times. The returned matrix is nScans x h.NumBasis().
func Regressor(events []Event, h *HRF, tr float64, nScans int) *mat.Dense {
	fine := int(math.Ceil(float64(nScans) * tr / h.DT))
	stim := make([]float64, fine)
	for _, ev := range events {
		start := int(math.Round(ev.Onset / h.DT))
		// Events shorter than one sample still light a single bin.
		end := int(math.Round((ev.Onset + ev.Duration) / h.DT))
		if end <= start {
			end = start + 1
		}
		for i := start; i < end && i < fine; i++ {
			if i >= 0 {
				stim[i] = 1
			}
		}
	}

	out := mat.NewDense(nScans, h.NumBasis(), nil)
	for k, basis := range h.Basis {
		conv := convolve(stim, basis)
		for s := 0; s < nScans; s++ {
			idx := int(math.Round(float64(s) * tr / h.DT))
			if idx < len(conv) {
				out.Set(s, k, conv[idx])
			}
		}
	}
	return out
}

func convolve(signal, kernel []float64) []float64 {
	out := make([]float64, len(signal))
	for i := range out {
		var sum float64
		for j, k := range kernel {
			if i-j < 0 {
				break
			}
			sum += signal[i-j] * k
		}
		out[i] = sum
	}
	return out
}

// CosineDrift returns discrete-cosine drift regressors covering frequencies
// below the high-pass cutoff (Hz). Columns are unit-norm; the constant term
// is not included.
func CosineDrift(highPass, tr float64, nScans int) *mat.Dense {
	order := int(math.Floor(2 * float64(nScans) * tr * highPass))
	if order < 1 {
		return nil
	}
	d := mat.NewDense(nScans, order, nil)
	norm := math.Sqrt(2.0 / float64(nScans))
	for k := 1; k <= order; k++ {
		for s := 0; s < nScans; s++ {
			d.Set(s, k-1, norm*math.Cos(math.Pi*float64(k)*(2*float64(s)+1)/(2*float64(nScans))))
		}
	}
	return d
}

// DesignSpec carries the shared nuisance part of a run's design: demeaned
// confounds (row per scan), cosine drifts, and an intercept.
type DesignSpec struct {
	Confounds [][]float64
	Drifts    *mat.Dense
	NScans    int
}

func (d *DesignSpec) numConfounds() int {
	if len(d.Confounds) == 0 {
		return 0
	}
	return len(d.Confounds[0])
}

// NuisanceCols returns the number of nuisance columns including intercept.
func (d *DesignSpec) NuisanceCols() int {
	n := d.numConfounds() + 1
	if d.Drifts != nil {
		_, c := d.Drifts.Dims()
		n += c
	}
	return n
}

// BuildDesign assembles a design matrix from condition regressors followed by
// confounds, drifts, and an intercept column. Each regressor in regs
// contributes its basis columns in order.
func BuildDesign(regs []*mat.Dense, spec *DesignSpec) (*mat.Dense, error) {
	cols := 0
	for _, r := range regs {
		rr, rc := r.Dims()
		if rr != spec.NScans {
			return nil, fmt.Errorf("regressor has %d rows, run has %d scans", rr, spec.NScans)
		}
		cols += rc
	}
	cols += spec.NuisanceCols()

	x := mat.NewDense(spec.NScans, cols, nil)
	j := 0
	for _, r := range regs {
		_, rc := r.Dims()
		for c := 0; c < rc; c++ {
			for s := 0; s < spec.NScans; s++ {
				x.Set(s, j, r.At(s, c))
			}
			j++
		}
	}
	if nc := spec.numConfounds(); nc > 0 {
		if len(spec.Confounds) != spec.NScans {
			return nil, fmt.Errorf("confounds have %d rows, run has %d scans", len(spec.Confounds), spec.NScans)
		}
		for c := 0; c < nc; c++ {
			for s := 0; s < spec.NScans; s++ {
				x.Set(s, j, spec.Confounds[s][c])
			}
			j++
		}
	}
	if spec.Drifts != nil {
		_, dc := spec.Drifts.Dims()
		for c := 0; c < dc; c++ {
			for s := 0; s < spec.NScans; s++ {
				x.Set(s, j, spec.Drifts.At(s, c))
			}
			j++
		}
	}
	for s := 0; s < spec.NScans; s++ {
		x.Set(s, j, 1)
	}
	return x, nil
}

package betaseries

import (
	"fmt"
	"math"
)

// Oversampling factor used when sampling regressors onto a finer time grid
// before decimating back to scan resolution.
const hrfOversampling = 16

// hrfDuration is the length of the sampled response in seconds. The glover
// undershoot has decayed to ~0 by 32s.
const hrfDuration = 32.0

// HRF is a sampled hemodynamic response basis. Columns are basis functions:
// one for the canonical shape, a second for its temporal derivative when the
// "+ derivative" model is selected, or one per delay for FIR.
type HRF struct {
	// Basis[k][i] is basis function k sampled at i*dt.
	Basis [][]float64
	// DT is the sample spacing in seconds (TR / oversampling for the glover
	// shapes, TR for FIR).
	DT float64
}

// NewHRF samples the named response model for a run with the given
// repetition time. firDelays is only consulted for the FIR model.
func NewHRF(model string, tr float64, firDelays []int) (*HRF, error) {
	if tr <= 0 {
		return nil, fmt.Errorf("repetition time must be positive, got %f", tr)
	}

	switch model {
	case "glover":
		dt := tr / hrfOversampling
		return &HRF{Basis: [][]float64{gloverSamples(dt)}, DT: dt}, nil
	case "glover + derivative":
		dt := tr / hrfOversampling
		g := gloverSamples(dt)
		return &HRF{Basis: [][]float64{g, derivativeSamples(g, dt)}, DT: dt}, nil
	case "fir":
		if len(firDelays) == 0 {
			return nil, fmt.Errorf("fir model requires at least one delay")
		}
		basis := make([][]float64, len(firDelays))
		maxDelay := 0
		for _, d := range firDelays {
			if d > maxDelay {
				maxDelay = d
			}
		}
		for k, d := range firDelays {
			b := make([]float64, maxDelay+1)
			b[d] = 1
			basis[k] = b
		}
		return &HRF{Basis: basis, DT: tr}, nil
	default:
		return nil, fmt.Errorf("unknown hrf model %q", model)
	}
}

// NumBasis returns the number of basis functions.
func (h *HRF) NumBasis() int { return len(h.Basis) }

// gloverSamples samples the Glover (1999) double-gamma response at spacing
// dt, normalised so the canonical peak is 1.
func gloverSamples(dt float64) []float64 {
	const (
		peakDelay       = 6.0
		undershootDelay = 12.0
		peakDisp        = 0.9
		undershootDisp  = 0.9
		undershootRatio = 0.35
	)

	n := int(math.Ceil(hrfDuration / dt))
	out := make([]float64, n)
	peak := 0.0
	for i := 0; i < n; i++ {
		t := float64(i) * dt
		v := gammaShape(t, peakDelay, peakDisp) - undershootRatio*gammaShape(t, undershootDelay, undershootDisp)
		out[i] = v
		if v > peak {
			peak = v
		}
	}
	if peak > 0 {
		for i := range out {
			out[i] /= peak
		}
	}
	return out
}

// gammaShape evaluates the gamma-like shape t^(delay/disp) * exp(-t/disp)
// scaled to peak at t = delay.
func gammaShape(t, delay, disp float64) float64 {
	if t <= 0 {
		return 0
	}
	k := delay / disp
	return math.Pow(t/delay, k) * math.Exp(-(t-delay)/disp)
}

// derivativeSamples returns the finite-difference derivative of a sampled
// basis function.
func derivativeSamples(samples []float64, dt float64) []float64 {
	out := make([]float64, len(samples))
	for i := 1; i < len(samples); i++ {
		out[i] = (samples[i] - samples[i-1]) / dt
	}
	return out
}

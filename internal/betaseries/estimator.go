package betaseries

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/Comeani/NiBetaSeries/internal/config"
	"github.com/Comeani/NiBetaSeries/internal/monitoring"
)

// RunInput bundles everything the estimator needs for one preprocessed run.
type RunInput struct {
	Bold   *Volume
	Mask   *Mask
	Events []Event
	// Confounds holds demeaned nuisance columns, one row per scan. May be
	// empty.
	Confounds [][]float64
	TR        float64
}

// Series is the estimated beta series for a single trial type: one volume of
// coefficients per occurrence, in onset order.
type Series struct {
	TrialType string
	// Betas is voxels x trials, rows following Mask.Coords.
	Betas *mat.Dense
}

// Result is the output of an estimator for one run.
type Result struct {
	// Series are ordered by first appearance of the trial type in the
	// events table.
	Series []Series
	// Residuals is voxels x kept-scans, nil unless requested.
	Residuals *mat.Dense
	// CensoredFrames lists the time points dropped before fitting.
	CensoredFrames []int
}

// Estimate fits the configured beta-series model to a run and returns one
// beta series per trial type.
func Estimate(in *RunInput, cfg *config.AnalysisConfig) (*Result, error) {
	if len(in.Events) == 0 {
		return nil, fmt.Errorf("no events for run %s", in.Bold.Path())
	}

	var ts *mat.Dense
	var err error
	if fwhm := cfg.GetSmoothingKernel(); fwhm > 0 {
		ts, err = in.Bold.SmoothedTimeSeriesMatrix(in.Mask, fwhm)
	} else {
		ts, err = in.Bold.TimeSeriesMatrix(in.Mask)
	}
	if err != nil {
		return nil, err
	}
	nScans, _ := ts.Dims()

	censored := DegenerateFrames(ts)
	if len(censored) > 0 {
		monitoring.Logf("censoring %d degenerate volumes in %s", len(censored), in.Bold.Path())
	}
	if len(censored) >= nScans-1 {
		return nil, fmt.Errorf("run %s has no usable volumes after censoring", in.Bold.Path())
	}
	ts = DropRows(ts, censored)

	if cfg.GetSignalScaling() == config.ScalingVoxel {
		meanScale(ts)
	}

	hrf, err := NewHRF(cfg.GetHRFModel(), in.TR, cfg.FIRDelays)
	if err != nil {
		return nil, err
	}

	spec := &DesignSpec{
		Confounds: dropConfoundRows(in.Confounds, censored),
		Drifts:    DropRows(CosineDrift(cfg.GetHighPass(), in.TR, nScans), censored),
		NScans:    nScans - len(censored),
	}

	m := &model{
		in:       in,
		cfg:      cfg,
		hrf:      hrf,
		spec:     spec,
		ts:       ts,
		nScans:   nScans,
		censored: censored,
	}

	var res *Result
	switch cfg.GetEstimator() {
	case config.EstimatorLSA:
		res, err = m.fitLSA()
	case config.EstimatorLSS:
		res, err = m.fitLSS()
	default:
		return nil, fmt.Errorf("unknown estimator %q", cfg.GetEstimator())
	}
	if err != nil {
		return nil, err
	}
	res.CensoredFrames = censored
	return res, nil
}

type model struct {
	in       *RunInput
	cfg      *config.AnalysisConfig
	hrf      *HRF
	spec     *DesignSpec
	ts       *mat.Dense
	nScans   int
	censored []int
}

// regressorFor convolves a subset of events and drops the censored rows so
// the result lines up with the censored time series.
func (m *model) regressorFor(events []Event) *mat.Dense {
	return DropRows(Regressor(events, m.hrf, m.in.TR, m.nScans), m.censored)
}

// fitLSA fits a single model with one regressor per trial and reads each
// trial's coefficient off the canonical basis column.
func (m *model) fitLSA() (*Result, error) {
	regs := make([]*mat.Dense, len(m.in.Events))
	for i, ev := range m.in.Events {
		regs[i] = m.regressorFor([]Event{ev})
	}
	x, err := BuildDesign(regs, m.spec)
	if err != nil {
		return nil, err
	}
	fit, err := fitOLS(x, m.ts)
	if err != nil {
		return nil, err
	}

	nb := m.hrf.NumBasis()
	get := func(trial, voxel int) float64 {
		b := fit.coef.At(trial*nb, voxel)
		if m.cfg.GetNormBetas() {
			b = fit.tScale(b, trial*nb, voxel)
		}
		return b
	}

	res := &Result{Series: m.groupByType(get)}
	if m.cfg.GetReturnResiduals() {
		res.Residuals = transpose(fit.resid)
	}
	return res, nil
}

// fitLSS fits one model per trial. The target trial gets its own regressor;
// the remaining trials are lumped by trial type, so each fit sees the target
// against the background of everything else.
func (m *model) fitLSS() (*Result, error) {
	order := TrialTypes(m.in.Events)

	betasByTrial := make([][]float64, len(m.in.Events))
	for i, target := range m.in.Events {
		regs := []*mat.Dense{m.regressorFor([]Event{target})}
		for _, tt := range order {
			var rest []Event
			for j, ev := range m.in.Events {
				if j != i && ev.TrialType == tt {
					rest = append(rest, ev)
				}
			}
			if len(rest) > 0 {
				regs = append(regs, m.regressorFor(rest))
			}
		}
		x, err := BuildDesign(regs, m.spec)
		if err != nil {
			return nil, err
		}
		fit, err := fitOLS(x, m.ts)
		if err != nil {
			return nil, fmt.Errorf("trial %d (%s): %w", i, target.TrialType, err)
		}
		_, nv := m.ts.Dims()
		row := make([]float64, nv)
		for v := 0; v < nv; v++ {
			b := fit.coef.At(0, v)
			if m.cfg.GetNormBetas() {
				b = fit.tScale(b, 0, v)
			}
			row[v] = b
		}
		betasByTrial[i] = row
	}

	get := func(trial, voxel int) float64 { return betasByTrial[trial][voxel] }
	res := &Result{Series: m.groupByType(get)}

	if m.cfg.GetReturnResiduals() {
		// Residuals come from a condition-level model so there is a single
		// residual series for the run rather than one per trial.
		regs := make([]*mat.Dense, 0, len(order))
		for _, tt := range order {
			var evs []Event
			for _, ev := range m.in.Events {
				if ev.TrialType == tt {
					evs = append(evs, ev)
				}
			}
			regs = append(regs, m.regressorFor(evs))
		}
		x, err := BuildDesign(regs, m.spec)
		if err != nil {
			return nil, err
		}
		fit, err := fitOLS(x, m.ts)
		if err != nil {
			return nil, err
		}
		res.Residuals = transpose(fit.resid)
	}
	return res, nil
}

// groupByType collects per-trial coefficients into one voxels x trials
// matrix per trial type, types ordered by first appearance.
func (m *model) groupByType(get func(trial, voxel int) float64) []Series {
	_, nv := m.ts.Dims()
	order := TrialTypes(m.in.Events)

	out := make([]Series, 0, len(order))
	for _, tt := range order {
		var trials []int
		for i, ev := range m.in.Events {
			if ev.TrialType == tt {
				trials = append(trials, i)
			}
		}
		betas := mat.NewDense(nv, len(trials), nil)
		for k, trial := range trials {
			for v := 0; v < nv; v++ {
				betas.Set(v, k, get(trial, v))
			}
		}
		out = append(out, Series{TrialType: tt, Betas: betas})
	}
	return out
}

func dropConfoundRows(confounds [][]float64, rows []int) [][]float64 {
	if len(confounds) == 0 || len(rows) == 0 {
		return confounds
	}
	out := make([][]float64, 0, len(confounds)-len(rows))
	skip := 0
	for r, row := range confounds {
		if skip < len(rows) && rows[skip] == r {
			skip++
			continue
		}
		out = append(out, row)
	}
	return out
}

// olsFit holds the pieces of a least-squares fit needed to read off
// coefficients and optionally scale them by their standard error.
type olsFit struct {
	coef    *mat.Dense // p x voxels
	resid   *mat.Dense // scans x voxels
	covDiag []float64  // diag of (X'X)^+
	dof     float64
	sigma2  []float64 // residual variance per voxel
}

// fitOLS solves X B = Y for all voxels at once via the thin SVD
// pseudo-inverse, which tolerates the rank deficiency that short runs with
// many regressors can produce.
func fitOLS(x, y *mat.Dense) (*olsFit, error) {
	nScans, p := x.Dims()
	yr, nv := y.Dims()
	if yr != nScans {
		return nil, fmt.Errorf("design has %d rows, data has %d", nScans, yr)
	}

	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDThin) {
		return nil, fmt.Errorf("svd of %dx%d design failed", nScans, p)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	tol := float64(max(nScans, p)) * 2.22e-16 * s[0]
	rank := 0
	for _, sv := range s {
		if sv > tol {
			rank++
		}
	}
	if rank == 0 {
		return nil, fmt.Errorf("design matrix is all zero")
	}

	// B = V diag(1/s) U' Y, truncated at the rank.
	var uty mat.Dense
	uty.Mul(u.T(), y)
	for k := 0; k < len(s); k++ {
		inv := 0.0
		if k < rank {
			inv = 1 / s[k]
		}
		for j := 0; j < nv; j++ {
			uty.Set(k, j, uty.At(k, j)*inv)
		}
	}
	var coef mat.Dense
	coef.Mul(&v, &uty)

	var fitted mat.Dense
	fitted.Mul(x, &coef)
	resid := mat.NewDense(nScans, nv, nil)
	resid.Sub(y, &fitted)

	dof := float64(nScans - rank)
	if dof < 1 {
		dof = 1
	}
	sigma2 := make([]float64, nv)
	for j := 0; j < nv; j++ {
		var rss float64
		for t := 0; t < nScans; t++ {
			r := resid.At(t, j)
			rss += r * r
		}
		sigma2[j] = rss / dof
	}

	covDiag := make([]float64, p)
	for i := 0; i < p; i++ {
		var sum float64
		for k := 0; k < rank; k++ {
			vi := v.At(i, k)
			sum += vi * vi / (s[k] * s[k])
		}
		covDiag[i] = sum
	}

	return &olsFit{coef: &coef, resid: resid, covDiag: covDiag, dof: dof, sigma2: sigma2}, nil
}

// tScale divides a coefficient by its estimated standard error.
func (f *olsFit) tScale(beta float64, col, voxel int) float64 {
	se := math.Sqrt(f.sigma2[voxel] * f.covDiag[col])
	if se == 0 {
		return 0
	}
	return beta / se
}

func transpose(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(c, r, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(j, i, m.At(i, j))
		}
	}
	return out
}

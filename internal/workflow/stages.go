package workflow

import (
	"fmt"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/Comeani/NiBetaSeries/internal/betaseries"
	"github.com/Comeani/NiBetaSeries/internal/bids"
	"github.com/Comeani/NiBetaSeries/internal/config"
	"github.com/Comeani/NiBetaSeries/internal/correlation"
	"github.com/Comeani/NiBetaSeries/internal/report"
)

// BetaArtifact is one staged beta-series image.
type BetaArtifact struct {
	Path      string
	TrialType string
}

// EstimationOutput is what the estimation stage stages for one run.
type EstimationOutput struct {
	Betas []BetaArtifact
	// Residuals is the staged residuals image, empty when not requested.
	Residuals string
}

// RunEstimator fits the beta-series model for one run and stages the
// resulting images under stageDir.
type RunEstimator interface {
	EstimateRun(run bids.RunData, stageDir string) (*EstimationOutput, error)
}

// SeriesCensor drops degenerate volumes from a staged beta-series image and
// returns the path of the censored copy.
type SeriesCensor interface {
	CensorSeries(path, maskPath, stageDir string) (string, error)
}

// CorrelationOutput is what the correlation stage stages for one beta
// series.
type CorrelationOutput struct {
	Matrix string // TSV
	Figure string // SVG heatmap
	Report string // optional HTML report
	Npy    string // optional .npy export
}

// Correlator computes ROI correlation artifacts for one beta-series image.
type Correlator interface {
	CorrelateSeries(path, stageDir string) (*CorrelationOutput, error)
}

// glmEstimator is the production estimation stage: it reads the run's
// inputs, fits the configured model, and writes one NIfTI per trial type.
type glmEstimator struct {
	cfg *config.AnalysisConfig
}

// NewGLMEstimator returns the estimation stage backed by the LSS/LSA solver.
func NewGLMEstimator(cfg *config.AnalysisConfig) RunEstimator {
	return &glmEstimator{cfg: cfg}
}

func (g *glmEstimator) EstimateRun(run bids.RunData, stageDir string) (*EstimationOutput, error) {
	events, err := betaseries.ReadEvents(run.Events)
	if err != nil {
		return nil, err
	}
	confounds, err := betaseries.ReadConfounds(run.Confounds, g.cfg.SelectedConfounds)
	if err != nil {
		return nil, err
	}
	bold, err := betaseries.LoadVolume(run.Preproc)
	if err != nil {
		return nil, err
	}
	mask, err := betaseries.LoadMask(run.Brainmask)
	if err != nil {
		return nil, err
	}
	ents, err := bids.ParseEntities(filepath.Base(run.Preproc))
	if err != nil {
		return nil, fmt.Errorf("preproc image %s: %w", run.Preproc, err)
	}

	res, err := betaseries.Estimate(&betaseries.RunInput{
		Bold:      bold,
		Mask:      mask,
		Events:    events,
		Confounds: confounds,
		TR:        run.Metadata.RepetitionTime,
	}, g.cfg)
	if err != nil {
		return nil, err
	}

	out := &EstimationOutput{}
	for _, s := range res.Series {
		name := ents.WithDescription(s.TrialType).WithSuffix("betaseries", ".nii.gz").Name()
		path := filepath.Join(stageDir, name)
		if err := betaseries.WriteSeries(path, bold, mask, s.Betas); err != nil {
			return nil, err
		}
		tracef("staged beta series %s (%d trials)", path, rawCols(s.Betas))
		out.Betas = append(out.Betas, BetaArtifact{Path: path, TrialType: s.TrialType})
	}

	if g.cfg.GetReturnResiduals() && res.Residuals != nil {
		name := ents.WithDescription("residuals").WithSuffix("bold", ".nii.gz").Name()
		path := filepath.Join(stageDir, name)
		if err := betaseries.WriteSeries(path, bold, mask, res.Residuals); err != nil {
			return nil, err
		}
		out.Residuals = path
	}
	return out, nil
}

// volumeCensor is the production censoring stage: it drops degenerate trial
// volumes from a beta-series image using the run's brain mask.
type volumeCensor struct{}

// NewVolumeCensor returns the censoring stage.
func NewVolumeCensor() SeriesCensor {
	return volumeCensor{}
}

func (volumeCensor) CensorSeries(path, maskPath, stageDir string) (string, error) {
	vol, err := betaseries.LoadVolume(path)
	if err != nil {
		return "", err
	}
	mask, err := betaseries.LoadMask(maskPath)
	if err != nil {
		return "", err
	}
	ts, err := vol.TimeSeriesMatrix(mask)
	if err != nil {
		return "", err
	}

	bad := betaseries.DegenerateFrames(ts)
	data := transposeDense(betaseries.DropRows(ts, bad))

	out := filepath.Join(stageDir, "censored_"+filepath.Base(path))
	if err := betaseries.WriteSeries(out, vol, mask, data); err != nil {
		return "", err
	}
	if len(bad) > 0 {
		diagf("censored %d volumes from %s", len(bad), filepath.Base(path))
	}
	return out, nil
}

// roiCorrelator is the production correlation stage. The atlas image and
// lookup table are loaded once at assembly time.
type roiCorrelator struct {
	atlas      *betaseries.Volume
	entries    []correlation.LUTEntry
	workers    int
	htmlReport bool
	npyExport  bool
}

// NewROICorrelator loads the atlas image and lookup table and returns the
// correlation stage.
func NewROICorrelator(atlasImg, atlasLUT string, workers int, htmlReport, npyExport bool) (Correlator, error) {
	atlas, err := betaseries.LoadVolume(atlasImg)
	if err != nil {
		return nil, err
	}
	entries, err := correlation.ReadLUT(atlasLUT)
	if err != nil {
		return nil, err
	}
	return &roiCorrelator{
		atlas:      atlas,
		entries:    entries,
		workers:    workers,
		htmlReport: htmlReport,
		npyExport:  npyExport,
	}, nil
}

func (r *roiCorrelator) CorrelateSeries(path, stageDir string) (*CorrelationOutput, error) {
	series, err := betaseries.LoadVolume(path)
	if err != nil {
		return nil, err
	}
	roiSeries, err := correlation.MeanROISeries(series, r.atlas, r.entries)
	if err != nil {
		return nil, err
	}
	m, err := correlation.Matrix(roiSeries, r.workers)
	if err != nil {
		return nil, fmt.Errorf("correlating %s: %w", path, err)
	}
	correlation.FisherZ(m)

	regions := correlation.Regions(r.entries)
	base := trimNiftiExt(filepath.Base(path))
	out := &CorrelationOutput{
		Matrix: filepath.Join(stageDir, base+"_correlation.tsv"),
		Figure: filepath.Join(stageDir, base+"_correlation.svg"),
	}
	if err := correlation.WriteTSV(out.Matrix, regions, m); err != nil {
		return nil, err
	}
	if err := correlation.SaveHeatmapSVG(out.Figure, base, m); err != nil {
		return nil, err
	}
	if r.htmlReport {
		out.Report = filepath.Join(stageDir, base+"_correlation.html")
		if err := report.WriteHeatmap(out.Report, base, regions, m); err != nil {
			return nil, err
		}
	}
	if r.npyExport {
		out.Npy = filepath.Join(stageDir, base+"_correlation.npy")
		if err := correlation.WriteNpy(out.Npy, m); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func rawCols(m *mat.Dense) int {
	_, c := m.Dims()
	return c
}

// transposeDense flips a scans x voxels matrix into the voxels x volumes
// layout the NIfTI writer expects.
func transposeDense(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(c, r, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(j, i, m.At(i, j))
		}
	}
	return out
}

func trimNiftiExt(name string) string {
	for _, ext := range []string{".nii.gz", ".nii"} {
		if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

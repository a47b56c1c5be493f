// Package workflow assembles and runs the per-subject beta-series pipeline:
// collect run inputs, estimate beta series, and optionally censor, filter,
// and correlate them. The package is the composition root: it imports the
// bids, betaseries, correlation, and derivatives packages, none of which
// import workflow.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/Comeani/NiBetaSeries/internal/betaseries"
	"github.com/Comeani/NiBetaSeries/internal/bids"
	"github.com/Comeani/NiBetaSeries/internal/config"
	"github.com/Comeani/NiBetaSeries/internal/derivatives"
	"github.com/Comeani/NiBetaSeries/internal/fsutil"
	"github.com/Comeani/NiBetaSeries/internal/version"
)

// Config holds the dependencies and options for assembling a participant
// workflow. Layout, WorkDir and OutputDir are required. The stage fields are
// optional overrides; when nil the production stages are used.
type Config struct {
	Layout   *bids.Layout
	Analysis *config.AnalysisConfig
	Filters  bids.Filters

	// AtlasImg and AtlasLUT enable the correlation branch. Both or neither
	// must be set.
	AtlasImg string
	AtlasLUT string

	WorkDir   string
	OutputDir string

	// Subjects restricts the participant workflow to these labels; empty
	// means every subject in the index.
	Subjects []string

	// Workers bounds concurrent subject execution; 0 means NumCPU.
	Workers int

	// HTMLReport and NpyExport enable the supplementary correlation
	// outputs.
	HTMLReport bool
	NpyExport  bool

	FS fsutil.FileSystem

	Estimator  RunEstimator
	Censor     SeriesCensor
	Correlator Correlator
	Warner     Warner
	Counter    TrialCounter
}

// Validate checks the assembly-time requirements.
func (c *Config) Validate() error {
	if c.Layout == nil {
		return fmt.Errorf("workflow config: layout is required")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("workflow config: work dir is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("workflow config: output dir is required")
	}
	if (c.AtlasImg == "") != (c.AtlasLUT == "") {
		return fmt.Errorf("workflow config: atlas image and atlas lookup table must be provided together")
	}
	if c.Analysis != nil {
		if err := c.Analysis.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SubjectWorkflow is the assembled pipeline for one subject: its collected
// runs plus the stages the configuration enabled.
type SubjectWorkflow struct {
	Name    string
	subject string
	runs    []bids.RunData

	estimator  RunEstimator
	censor     SeriesCensor
	correlator Correlator
	sink       *derivatives.Sink
	warner     Warner
	counter    TrialCounter
	minLen     int

	stageDir string
	logDir   string

	hasCorrelation bool
	hasResiduals   bool
}

// Subject returns the subject label.
func (w *SubjectWorkflow) Subject() string { return w.subject }

// HasCorrelation reports whether the censor/filter/correlation branch was
// assembled.
func (w *SubjectWorkflow) HasCorrelation() bool { return w.hasCorrelation }

// HasResiduals reports whether the residuals sink was assembled.
func (w *SubjectWorkflow) HasResiduals() bool { return w.hasResiduals }

// Runs returns the number of collected functional runs.
func (w *SubjectWorkflow) Runs() int { return len(w.runs) }

// Participant is the top-level workflow: one subject workflow per subject,
// executed on a bounded worker pool.
type Participant struct {
	Name     string
	RunID    string
	subjects []*SubjectWorkflow
	workers  int
	fs       fsutil.FileSystem
	sink     *derivatives.Sink
}

// NewParticipant assembles the participant workflow. Data collection happens
// here, so missing runs or subjects fail at assembly rather than mid-run.
func NewParticipant(cfg Config) (*Participant, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fs := cfg.FS
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	analysis := cfg.Analysis
	if analysis == nil {
		analysis = config.DefaultAnalysisConfig()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	subjects := cfg.Subjects
	if len(subjects) == 0 {
		var err error
		subjects, err = cfg.Layout.Subjects()
		if err != nil {
			return nil, err
		}
	}
	if len(subjects) == 0 {
		return nil, fmt.Errorf("no subjects found in the dataset index")
	}

	estimator := cfg.Estimator
	if estimator == nil {
		estimator = NewGLMEstimator(analysis)
	}
	warner := cfg.Warner
	if warner == nil {
		warner = MonitoringWarner{}
	}
	counter := cfg.Counter
	if counter == nil {
		counter = betaseries.TrailingDim
	}

	hasCorrelation := cfg.AtlasImg != "" && cfg.AtlasLUT != ""
	censor := cfg.Censor
	correlator := cfg.Correlator
	if hasCorrelation && correlator == nil {
		var err error
		correlator, err = NewROICorrelator(cfg.AtlasImg, cfg.AtlasLUT, workers, cfg.HTMLReport, cfg.NpyExport)
		if err != nil {
			return nil, err
		}
	}
	if hasCorrelation && censor == nil {
		censor = NewVolumeCensor()
	}

	sink := derivatives.NewSink(fs, cfg.OutputDir)
	baseDir := filepath.Join(cfg.WorkDir, "NiBetaSeries_work")
	if err := fs.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}

	p := &Participant{
		Name:    "nibetaseries_participant_wf",
		RunID:   uuid.NewString(),
		workers: workers,
		fs:      fs,
		sink:    sink,
	}

	for _, subject := range subjects {
		runs, err := bids.CollectData(cfg.Layout, subject, cfg.Filters)
		if err != nil {
			return nil, fmt.Errorf("subject %s: %w", subject, err)
		}

		sw := &SubjectWorkflow{
			Name:           "single_subject" + subject + "_wf",
			subject:        subject,
			runs:           runs,
			estimator:      estimator,
			censor:         censor,
			correlator:     correlator,
			sink:           sink,
			warner:         warner,
			counter:        counter,
			minLen:         analysis.GetMinBetaSeriesLen(),
			stageDir:       filepath.Join(baseDir, "single_subject"+subject+"_wf"),
			logDir:         filepath.Join(cfg.OutputDir, derivatives.PipelineName, "sub-"+subject, "log"),
			hasCorrelation: hasCorrelation,
			hasResiduals:   analysis.GetReturnResiduals(),
		}
		p.subjects = append(p.subjects, sw)
	}

	diagf("assembled %s run=%s subjects=%d correlation=%v residuals=%v",
		p.Name, p.RunID, len(p.subjects), hasCorrelation, analysis.GetReturnResiduals())
	return p, nil
}

// Subjects returns the assembled subject workflows.
func (p *Participant) Subjects() []*SubjectWorkflow { return p.subjects }

// Run executes every subject workflow on a bounded worker pool. Subject
// failures are collected and joined; one subject failing does not stop the
// others. Cancelling the context stops dispatching new subjects.
func (p *Participant) Run(ctx context.Context) error {
	if err := p.sink.WriteDatasetDescription(version.Version); err != nil {
		return err
	}

	jobs := make(chan *SubjectWorkflow)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sw := range jobs {
				if err := sw.run(ctx, p.fs); err != nil {
					opsf("subject %s failed: %v", sw.subject, err)
					mu.Lock()
					errs = append(errs, fmt.Errorf("subject %s: %w", sw.subject, err))
					mu.Unlock()
				}
			}
		}()
	}

dispatch:
	for _, sw := range p.subjects {
		select {
		case <-ctx.Done():
			mu.Lock()
			errs = append(errs, ctx.Err())
			mu.Unlock()
			break dispatch
		case jobs <- sw:
		}
	}
	close(jobs)
	wg.Wait()

	return errors.Join(errs...)
}

// run executes the subject workflow: estimation and the beta-series sink for
// every run, plus the assembled optional branches.
func (w *SubjectWorkflow) run(ctx context.Context, fs fsutil.FileSystem) error {
	for _, dir := range []string{w.stageDir, w.logDir} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	for i, run := range w.runs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.processRun(run); err != nil {
			return fmt.Errorf("run %d (%s): %w", i+1, filepath.Base(run.Preproc), err)
		}
	}
	return nil
}

func (w *SubjectWorkflow) processRun(run bids.RunData) error {
	src, err := bids.ParseEntities(filepath.Base(run.Preproc))
	if err != nil {
		return err
	}

	out, err := w.estimator.EstimateRun(run, w.stageDir)
	if err != nil {
		return err
	}
	diagf("%s: estimated %d beta series from %s", w.Name, len(out.Betas), filepath.Base(run.Preproc))

	for _, beta := range out.Betas {
		if _, err := w.sink.Place(beta.Path, src, beta.TrialType, "betaseries", ".nii.gz"); err != nil {
			return err
		}
	}

	if w.hasResiduals && out.Residuals != "" {
		if _, err := w.sink.Place(out.Residuals, src, "residuals", "bold", ".nii.gz"); err != nil {
			return err
		}
	}

	if !w.hasCorrelation {
		return nil
	}
	return w.correlate(run, src, out.Betas)
}

// correlate runs the censor, filter, and correlation branch over the staged
// beta series of one run.
func (w *SubjectWorkflow) correlate(run bids.RunData, src bids.Entities, betas []BetaArtifact) error {
	censored := make([]string, 0, len(betas))
	for _, beta := range betas {
		path, err := w.censor.CensorSeries(beta.Path, run.Brainmask, w.stageDir)
		if err != nil {
			return err
		}
		censored = append(censored, path)
	}

	kept, err := FilterBetaSeries(censored, w.minLen, w.counter, w.warner)
	if err != nil {
		return err
	}

	for _, path := range kept {
		label := TrialTypeLabel(path, w.warner)
		out, err := w.correlator.CorrelateSeries(path, w.stageDir)
		if err != nil {
			return err
		}
		if _, err := w.sink.Place(out.Matrix, src, label, "correlation", ".tsv"); err != nil {
			return err
		}
		if _, err := w.sink.Place(out.Figure, src, label, "correlation", ".svg"); err != nil {
			return err
		}
		if out.Report != "" {
			if _, err := w.sink.Place(out.Report, src, label, "correlation", ".html"); err != nil {
				return err
			}
		}
		if out.Npy != "" {
			if _, err := w.sink.Place(out.Npy, src, label, "correlation", ".npy"); err != nil {
				return err
			}
		}
		tracef("%s: correlated %s", w.Name, filepath.Base(path))
	}
	return nil
}

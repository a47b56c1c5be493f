// nibs runs the NiBetaSeries pipeline: estimate per-trial beta series from a
// preprocessed BIDS dataset and, when an atlas is supplied, compute ROI
// correlation matrices from them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/Comeani/NiBetaSeries/internal/bids"
	"github.com/Comeani/NiBetaSeries/internal/config"
	"github.com/Comeani/NiBetaSeries/internal/version"
	"github.com/Comeani/NiBetaSeries/internal/workflow"
)

var (
	bidsDir    = flag.String("bids-dir", "", "Root of the BIDS dataset (required)")
	derivDir   = flag.String("derivatives-dir", "", "Root of the preprocessing derivatives tree, e.g. fMRIPrep output (required)")
	outputDir  = flag.String("output-dir", "", "Directory for pipeline outputs (required)")
	workDir    = flag.String("work-dir", "work", "Directory for intermediate files")
	dbPath     = flag.String("database-path", "", "BIDS index cache database (default <work-dir>/dbcache, rebuilt each run)")
	configPath = flag.String("config", "", "JSON analysis configuration file")

	participants = flag.String("participant-label", "", "Comma-separated subject labels (default: all subjects)")
	sessionLabel = flag.String("session-label", "", "Restrict to one session")
	taskLabel    = flag.String("task-label", "", "Restrict to one task")
	runLabel     = flag.String("run-label", "", "Restrict to one run")
	spaceLabel   = flag.String("space-label", "", "Restrict to one output space")
	descLabel    = flag.String("description-label", "", "desc- label of the preprocessed images (default preproc)")
	excludeDesc  = flag.String("exclude-description-label", "", "desc- label to exclude from collection")

	estimator     = flag.String("estimator", "", "Beta-series estimator: lss or lsa")
	hrfModel      = flag.String("hrf-model", "", "HRF model: glover, 'glover + derivative', or fir")
	firDelays     = flag.String("fir-delays", "", "Comma-separated FIR delays in scans (fir model only)")
	highPass      = flag.Float64("high-pass", 0, "High-pass cutoff in Hz")
	normBetas     = flag.Bool("norm-betas", false, "Divide betas by their standard error")
	confounds     = flag.String("confounds", "", "Comma-separated confound column names to regress out")
	signalScaling = flag.String("signal-scaling", "", "Signal scaling: voxel or off")
	smoothing     = flag.Float64("smoothing-kernel", 0, "Smoothing FWHM in mm, 0 disables")
	residuals     = flag.Bool("return-residuals", false, "Also write the model residuals image")

	atlasImg = flag.String("atlas-img", "", "Atlas parcellation image (enables the correlation branch)")
	atlasLUT = flag.String("atlas-lut", "", "Atlas lookup table TSV with index and regions columns")

	nthreads    = flag.Int("nthreads", 0, "Concurrent subjects (default: number of CPUs)")
	htmlReport  = flag.Bool("html-report", false, "Also write an interactive HTML heatmap per correlation matrix")
	npyExport   = flag.Bool("npy-export", false, "Also export correlation matrices as .npy")
	debugLog    = flag.Bool("debug", false, "Enable diagnostic logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("nibs %s (%s)\n", version.Version, version.GitSHA)
		return
	}

	if err := run(); err != nil {
		log.Fatalf("nibs: %v", err)
	}
}

func run() error {
	if *bidsDir == "" || *derivDir == "" || *outputDir == "" {
		return fmt.Errorf("-bids-dir, -derivatives-dir and -output-dir are required")
	}

	if *debugLog {
		workflow.SetLogWriters(os.Stderr, os.Stderr, nil)
	} else {
		workflow.SetLogWriters(os.Stderr, nil, nil)
	}

	analysis, err := loadAnalysis()
	if err != nil {
		return err
	}

	// Without an explicit cache location the index lives in the work dir
	// and is rebuilt every run; a supplied path is trusted and reused.
	databasePath := *dbPath
	reset := false
	if databasePath == "" {
		databasePath = filepath.Join(*workDir, "dbcache")
		reset = true
	}
	if err := os.MkdirAll(filepath.Dir(databasePath), 0o755); err != nil {
		return err
	}

	layout, err := bids.OpenLayout(*bidsDir, *derivDir, databasePath, reset)
	if err != nil {
		return err
	}
	defer layout.Close()

	p, err := workflow.NewParticipant(workflow.Config{
		Layout:   layout,
		Analysis: analysis,
		Filters: bids.Filters{
			Task:               *taskLabel,
			Run:                *runLabel,
			Session:            *sessionLabel,
			Space:              *spaceLabel,
			Description:        *descLabel,
			ExcludeDescription: *excludeDesc,
		},
		AtlasImg:   *atlasImg,
		AtlasLUT:   *atlasLUT,
		WorkDir:    *workDir,
		OutputDir:  *outputDir,
		Subjects:   splitCSV(*participants),
		Workers:    *nthreads,
		HTMLReport: *htmlReport,
		NpyExport:  *npyExport,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("running %s (%s) with %d subject(s)", p.Name, p.RunID, len(p.Subjects()))
	return p.Run(ctx)
}

// loadAnalysis merges the optional config file with explicitly set CLI
// flags; flags win.
func loadAnalysis() (*config.AnalysisConfig, error) {
	analysis := config.EmptyAnalysisConfig()
	if *configPath != "" {
		loaded, err := config.LoadAnalysisConfig(*configPath)
		if err != nil {
			return nil, err
		}
		analysis = loaded
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["estimator"] {
		analysis.Estimator = estimator
	}
	if set["hrf-model"] {
		analysis.HRFModel = hrfModel
	}
	if set["high-pass"] {
		analysis.HighPass = highPass
	}
	if set["norm-betas"] {
		analysis.NormBetas = normBetas
	}
	if set["signal-scaling"] {
		analysis.SignalScaling = signalScaling
	}
	if set["smoothing-kernel"] {
		analysis.SmoothingKernel = smoothing
	}
	if set["return-residuals"] {
		analysis.ReturnResiduals = residuals
	}
	if set["confounds"] {
		analysis.SelectedConfounds = splitCSV(*confounds)
	}
	if set["fir-delays"] {
		delays, err := parseIntCSV(*firDelays)
		if err != nil {
			return nil, fmt.Errorf("-fir-delays: %w", err)
		}
		analysis.FIRDelays = delays
	}

	if err := analysis.Validate(); err != nil {
		return nil, err
	}
	return analysis, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIntCSV(s string) ([]int, error) {
	var out []int
	for _, p := range splitCSV(s) {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

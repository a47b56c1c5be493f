package bids

import (
	"fmt"
)

// Filters restricts which functional runs CollectData returns. Empty fields
// match anything. ExcludeDescription drops preprocessed bold series carrying
// that desc- label.
type Filters struct {
	Task               string
	Run                string
	Session            string
	Space              string
	Description        string
	ExcludeDescription string
}

// RunData groups everything one functional run contributes to the pipeline.
// Grouping per run (instead of position-aligned parallel lists) makes
// misalignment between masks, confounds and events impossible by
// construction.
type RunData struct {
	Preproc   string
	Brainmask string
	Confounds string
	Events    string
	Metadata  BoldMetadata
}

var niftiExtensions = []string{".nii", ".nii.gz"}

// CollectData returns one RunData per preprocessed bold run for the subject,
// ordered by session, task and run. Every run must resolve a brain mask, a
// confounds table, an events table and sidecar metadata; a run that cannot
// is an error, not a silent skip.
func CollectData(l *Layout, subject string, f Filters) ([]RunData, error) {
	desc := f.Description
	if desc == "" {
		desc = "preproc"
	}

	preprocs, err := l.Get(Query{
		Subject:     subject,
		Session:     f.Session,
		Task:        f.Task,
		Run:         f.Run,
		Space:       f.Space,
		Description: desc,
		Suffix:      "bold",
		Tree:        TreeDerivatives,
		Extensions:  niftiExtensions,
	})
	if err != nil {
		return nil, err
	}

	var runs []RunData
	for _, preproc := range preprocs {
		if f.ExcludeDescription != "" && preproc.Entities.Description == f.ExcludeDescription {
			continue
		}

		run, err := collectRun(l, preproc)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if len(runs) == 0 {
		return nil, fmt.Errorf("no preprocessed bold runs found for sub-%s (task=%q run=%q ses=%q space=%q desc=%q)",
			subject, f.Task, f.Run, f.Session, f.Space, desc)
	}

	return runs, nil
}

func collectRun(l *Layout, preproc File) (RunData, error) {
	e := preproc.Entities

	brainmask, err := findOne(l, Query{
		Subject:     e.Subject,
		Session:     e.Session,
		Task:        e.Task,
		Run:         e.Run,
		Space:       e.Space,
		Description: "brain",
		Suffix:      "mask",
		Tree:        TreeDerivatives,
		Extensions:  niftiExtensions,
	}, "brain mask", preproc.Path)
	if err != nil {
		return RunData{}, err
	}

	// fMRIPrep switched the confounds suffix from "regressors" to
	// "timeseries"; accept either.
	confounds, err := findOne(l, Query{
		Subject:     e.Subject,
		Session:     e.Session,
		Task:        e.Task,
		Run:         e.Run,
		Description: "confounds",
		Suffix:      "timeseries",
		Tree:        TreeDerivatives,
		Extensions:  []string{".tsv"},
	}, "", "")
	if err != nil {
		confounds, err = findOne(l, Query{
			Subject:     e.Subject,
			Session:     e.Session,
			Task:        e.Task,
			Run:         e.Run,
			Description: "confounds",
			Suffix:      "regressors",
			Tree:        TreeDerivatives,
			Extensions:  []string{".tsv"},
		}, "confounds table", preproc.Path)
		if err != nil {
			return RunData{}, err
		}
	}

	events, err := findOne(l, Query{
		Subject:    e.Subject,
		Session:    e.Session,
		Task:       e.Task,
		Run:        e.Run,
		Suffix:     "events",
		Tree:       TreeRaw,
		Extensions: []string{".tsv"},
	}, "events table", preproc.Path)
	if err != nil {
		return RunData{}, err
	}

	metadata, err := l.Metadata(e)
	if err != nil {
		return RunData{}, err
	}

	return RunData{
		Preproc:   preproc.Path,
		Brainmask: brainmask,
		Confounds: confounds,
		Events:    events,
		Metadata:  metadata,
	}, nil
}

// findOne returns exactly one file path for the query. When what is empty a
// miss is returned as a plain error for the caller to fall back on;
// otherwise the error names the missing collaborator and the run it belongs
// to.
func findOne(l *Layout, q Query, what, forRun string) (string, error) {
	files, err := l.Get(q)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		if what == "" {
			return "", fmt.Errorf("no match")
		}
		return "", fmt.Errorf("no %s found for %s", what, forRun)
	}
	if len(files) > 1 && what != "" {
		return "", fmt.Errorf("ambiguous %s for %s: %d candidates", what, forRun, len(files))
	}
	return files[0].Path, nil
}

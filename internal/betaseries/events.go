package betaseries

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/gocarina/gocsv"
)

// Event is one row of a BIDS events.tsv table.
type Event struct {
	Onset     float64 `csv:"onset"`
	Duration  float64 `csv:"duration"`
	TrialType string  `csv:"trial_type"`
}

// ReadEvents parses a BIDS events.tsv. Every row needs an onset, a duration
// and a trial_type; an empty table is an error because a run without events
// cannot produce a beta series.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read events table %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'

	var events []Event
	if err := gocsv.UnmarshalCSV(r, &events); err != nil {
		return nil, fmt.Errorf("malformed events table %s: %w", path, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("events table %s has no rows", path)
	}

	for i, ev := range events {
		if ev.TrialType == "" {
			return nil, fmt.Errorf("events table %s row %d has no trial_type", path, i+1)
		}
		if ev.Onset < 0 || ev.Duration < 0 {
			return nil, fmt.Errorf("events table %s row %d has negative onset or duration", path, i+1)
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Onset < events[j].Onset })
	return events, nil
}

// TrialTypes returns the distinct trial type labels in first-appearance
// order.
func TrialTypes(events []Event) []string {
	seen := make(map[string]bool)
	var types []string
	for _, ev := range events {
		if !seen[ev.TrialType] {
			seen[ev.TrialType] = true
			types = append(types, ev.TrialType)
		}
	}
	return types
}

// ReadConfounds reads the selected columns from a confounds TSV into a
// T x len(selected) matrix, demeaning each column. The confounds table has a
// dataset-dependent column set, so it is parsed by header name rather than
// into a fixed struct. "n/a" cells (typically the first row of derivative
// columns) are treated as zero before demeaning.
func ReadConfounds(path string, selected []string) ([][]float64, error) {
	if len(selected) == 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read confounds table %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("malformed confounds table %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("confounds table %s has no data rows", path)
	}

	colIdx := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		colIdx[name] = i
	}

	nt := len(records) - 1
	out := make([][]float64, nt)
	for t := range out {
		out[t] = make([]float64, len(selected))
	}

	for j, name := range selected {
		idx, ok := colIdx[name]
		if !ok {
			return nil, fmt.Errorf("confounds table %s has no column %q", path, name)
		}
		var sum float64
		for t := 0; t < nt; t++ {
			cell := records[t+1][idx]
			var v float64
			if cell != "n/a" && cell != "" {
				v, err = strconv.ParseFloat(cell, 64)
				if err != nil {
					return nil, fmt.Errorf("confounds table %s column %q row %d: %w", path, name, t+1, err)
				}
			}
			if math.IsNaN(v) {
				v = 0
			}
			out[t][j] = v
			sum += v
		}
		mean := sum / float64(nt)
		for t := 0; t < nt; t++ {
			out[t][j] -= mean
		}
	}

	return out, nil
}

package workflow

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/Comeani/NiBetaSeries/internal/monitoring"
)

// ErrNoUsableBetaSeries is returned when the trial-count filter excludes
// every candidate. Correlation cannot run on an empty set, so the caller
// treats this as fatal for the subject.
var ErrNoUsableBetaSeries = errors.New("no beta series met the minimum trial count")

var trialTypePattern = regexp.MustCompile(`.*desc-(?P<trial_type>[0-9A-Za-z]+)_.*`)

// Warner receives data-quality warnings. The filter reports through it
// instead of a package logger so its behavior stays observable in tests.
type Warner interface {
	Warnf(format string, args ...interface{})
}

// MonitoringWarner routes warnings to the monitoring package.
type MonitoringWarner struct{}

func (MonitoringWarner) Warnf(format string, args ...interface{}) {
	monitoring.Warnf(format, args...)
}

// TrialCounter reads the number of betas (trailing dimension) of a
// beta-series image.
type TrialCounter func(path string) (int, error)

// TrialTypeLabel extracts the desc- label from a beta-series file name. When
// the name does not follow the convention it warns and returns "UNKNOWN".
func TrialTypeLabel(path string, w Warner) string {
	m := trialTypePattern.FindStringSubmatch(path)
	if m == nil {
		w.Warnf("this file: %s contains an unknown trial_type", path)
		return "UNKNOWN"
	}
	return m[1]
}

// FilterBetaSeries drops beta-series files whose trial count is below
// minLen, returning the survivors as a new slice in the original order. Each
// exclusion is warned about with the trial-type label and both counts. An
// error from counting propagates as-is; an empty result is
// ErrNoUsableBetaSeries.
func FilterBetaSeries(paths []string, minLen int, count TrialCounter, w Warner) ([]string, error) {
	kept := make([]string, 0, len(paths))
	for _, path := range paths {
		size, err := count(path)
		if err != nil {
			return nil, err
		}
		if size >= minLen {
			kept = append(kept, path)
			continue
		}
		label := TrialTypeLabel(path, w)
		w.Warnf("At least %d trials are needed for a beta series: %s has %d", minLen, label, size)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("none of the beta series have at least %d betas: %w", minLen, ErrNoUsableBetaSeries)
	}
	return kept, nil
}

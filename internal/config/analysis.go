// Package config loads and validates the beta-series analysis parameters.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Estimator names accepted by the betaseries model.
const (
	EstimatorLSS = "lss"
	EstimatorLSA = "lsa"
)

// HRF model names accepted by the betaseries model.
const (
	HRFGlover           = "glover"
	HRFGloverDerivative = "glover + derivative"
	HRFFIR              = "fir"
)

// Signal scaling modes.
const (
	ScalingOff   = "off"
	ScalingVoxel = "voxel"
)

// AnalysisConfig represents the tunable analysis parameters. All fields are
// pointers so a JSON file can override any subset; the Get* methods provide
// the defaults for fields left unset. The same schema is used for the
// optional --config file and for recording the effective parameters of a run.
type AnalysisConfig struct {
	Estimator         *string  `json:"estimator,omitempty"`
	HRFModel          *string  `json:"hrf_model,omitempty"`
	HighPass          *float64 `json:"high_pass,omitempty"`
	FIRDelays         []int    `json:"fir_delays,omitempty"`
	NormBetas         *bool    `json:"norm_betas,omitempty"`
	SignalScaling     *string  `json:"signal_scaling,omitempty"`
	SmoothingKernel   *float64 `json:"smoothing_kernel,omitempty"` // FWHM in mm, nil or 0 disables
	SelectedConfounds []string `json:"selected_confounds,omitempty"`
	ReturnResiduals   *bool    `json:"return_residuals,omitempty"`
	MinBetaSeriesLen  *int     `json:"min_beta_series_len,omitempty"`
}

// EmptyAnalysisConfig returns an AnalysisConfig with all fields unset.
func EmptyAnalysisConfig() *AnalysisConfig {
	return &AnalysisConfig{}
}

// DefaultAnalysisConfig returns a config with every field populated with its
// default value.
func DefaultAnalysisConfig() *AnalysisConfig {
	return &AnalysisConfig{
		Estimator:        ptrString(EstimatorLSS),
		HRFModel:         ptrString(HRFGlover),
		HighPass:         ptrFloat64(0.0078125),
		NormBetas:        ptrBool(false),
		SignalScaling:    ptrString(ScalingVoxel),
		ReturnResiduals:  ptrBool(false),
		MinBetaSeriesLen: ptrInt(3),
	}
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// LoadAnalysisConfig loads an AnalysisConfig from a JSON file. Fields omitted
// from the file retain their defaults, so partial configs are safe.
func LoadAnalysisConfig(path string) (*AnalysisConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyAnalysisConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *AnalysisConfig) Validate() error {
	if c.Estimator != nil {
		switch *c.Estimator {
		case EstimatorLSS, EstimatorLSA:
		default:
			return fmt.Errorf("estimator must be %q or %q, got %q", EstimatorLSS, EstimatorLSA, *c.Estimator)
		}
	}

	if c.HRFModel != nil {
		switch *c.HRFModel {
		case HRFGlover, HRFGloverDerivative, HRFFIR:
		default:
			return fmt.Errorf("unknown hrf_model %q", *c.HRFModel)
		}
	}

	if c.HRFModel != nil && *c.HRFModel == HRFFIR && len(c.FIRDelays) == 0 {
		return fmt.Errorf("hrf_model %q requires fir_delays", HRFFIR)
	}
	if len(c.FIRDelays) > 0 {
		for _, d := range c.FIRDelays {
			if d < 0 {
				return fmt.Errorf("fir_delays must be non-negative, got %d", d)
			}
		}
	}

	if c.HighPass != nil && *c.HighPass < 0 {
		return fmt.Errorf("high_pass must be non-negative, got %f", *c.HighPass)
	}

	if c.SignalScaling != nil {
		switch *c.SignalScaling {
		case ScalingOff, ScalingVoxel:
		default:
			return fmt.Errorf("signal_scaling must be %q or %q, got %q", ScalingOff, ScalingVoxel, *c.SignalScaling)
		}
	}

	if c.SmoothingKernel != nil && *c.SmoothingKernel < 0 {
		return fmt.Errorf("smoothing_kernel must be non-negative, got %f", *c.SmoothingKernel)
	}

	if c.MinBetaSeriesLen != nil && *c.MinBetaSeriesLen < 1 {
		return fmt.Errorf("min_beta_series_len must be at least 1, got %d", *c.MinBetaSeriesLen)
	}

	return nil
}

// GetEstimator returns the estimator name or the default.
func (c *AnalysisConfig) GetEstimator() string {
	if c.Estimator == nil {
		return EstimatorLSS
	}
	return *c.Estimator
}

// GetHRFModel returns the hrf_model value or the default.
func (c *AnalysisConfig) GetHRFModel() string {
	if c.HRFModel == nil {
		return HRFGlover
	}
	return *c.HRFModel
}

// GetHighPass returns the high_pass cutoff in Hz or the default.
// Frequencies higher than this number are kept.
func (c *AnalysisConfig) GetHighPass() float64 {
	if c.HighPass == nil {
		return 0.0078125
	}
	return *c.HighPass
}

// GetNormBetas returns whether beta estimates are divided by the square root
// of their variance.
func (c *AnalysisConfig) GetNormBetas() bool {
	if c.NormBetas == nil {
		return false
	}
	return *c.NormBetas
}

// GetSignalScaling returns the signal_scaling mode or the default.
func (c *AnalysisConfig) GetSignalScaling() string {
	if c.SignalScaling == nil {
		return ScalingVoxel
	}
	return *c.SignalScaling
}

// GetSmoothingKernel returns the smoothing kernel FWHM in mm, 0 when smoothing
// is disabled.
func (c *AnalysisConfig) GetSmoothingKernel() float64 {
	if c.SmoothingKernel == nil {
		return 0
	}
	return *c.SmoothingKernel
}

// GetReturnResiduals returns whether the model residuals are written to the
// derivatives directory.
func (c *AnalysisConfig) GetReturnResiduals() bool {
	if c.ReturnResiduals == nil {
		return false
	}
	return *c.ReturnResiduals
}

// GetMinBetaSeriesLen returns the minimum number of betas a series needs to
// enter the correlation analysis.
func (c *AnalysisConfig) GetMinBetaSeriesLen() int {
	if c.MinBetaSeriesLen == nil {
		return 3
	}
	return *c.MinBetaSeriesLen
}

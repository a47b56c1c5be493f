package betaseries

import (
	"math"
	"testing"
)

func TestNewHRFGlover(t *testing.T) {
	h, err := NewHRF("glover", 2.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h.NumBasis() != 1 {
		t.Fatalf("expected 1 basis function, got %d", h.NumBasis())
	}

	samples := h.Basis[0]
	if samples[0] != 0 {
		t.Errorf("response at t=0 should be zero, got %f", samples[0])
	}

	// Peak should be 1 and land around 5-7 seconds.
	peak, peakIdx := 0.0, 0
	for i, v := range samples {
		if v > peak {
			peak, peakIdx = v, i
		}
	}
	if math.Abs(peak-1) > 1e-9 {
		t.Errorf("peak should be normalised to 1, got %f", peak)
	}
	peakT := float64(peakIdx) * h.DT
	if peakT < 4 || peakT > 8 {
		t.Errorf("peak at %.2fs, expected 4-8s", peakT)
	}

	// Undershoot: some later samples dip below zero.
	undershoot := false
	for _, v := range samples[peakIdx:] {
		if v < 0 {
			undershoot = true
			break
		}
	}
	if !undershoot {
		t.Error("expected a post-peak undershoot")
	}
}

func TestNewHRFGloverDerivative(t *testing.T) {
	h, err := NewHRF("glover + derivative", 2.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h.NumBasis() != 2 {
		t.Fatalf("expected 2 basis functions, got %d", h.NumBasis())
	}
	// The derivative should be positive on the rising edge.
	if h.Basis[1][len(h.Basis[1])/8] <= 0 {
		t.Error("derivative should be positive early in the response")
	}
}

func TestNewHRFFIR(t *testing.T) {
	h, err := NewHRF("fir", 2.0, []int{0, 1, 3})
	if err != nil {
		t.Fatal(err)
	}
	if h.NumBasis() != 3 {
		t.Fatalf("expected a basis per delay, got %d", h.NumBasis())
	}
	if h.DT != 2.0 {
		t.Errorf("fir basis should be sampled at TR, got dt=%f", h.DT)
	}
	if h.Basis[2][3] != 1 || h.Basis[2][0] != 0 {
		t.Error("delay-3 basis should be an impulse at index 3")
	}

	if _, err := NewHRF("fir", 2.0, nil); err == nil {
		t.Error("fir without delays should be rejected")
	}
}

func TestNewHRFRejectsBadInput(t *testing.T) {
	if _, err := NewHRF("spm", 2.0, nil); err == nil {
		t.Error("unknown model should be rejected")
	}
	if _, err := NewHRF("glover", 0, nil); err == nil {
		t.Error("zero TR should be rejected")
	}
}

package correlation

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/mat"
)

func TestReadLUT(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lut.tsv")
	content := "index\tregions\n1\thippocampus\n2\tamygdala\n10\tinsula\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadLUT(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []LUTEntry{
		{Index: 1, Region: "hippocampus"},
		{Index: 2, Region: "amygdala"},
		{Index: 10, Region: "insula"},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"hippocampus", "amygdala", "insula"}, Regions(entries)); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
}

func TestReadLUTRejectsBadTables(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty", "index\tregions\n"},
		{"duplicate_index", "index\tregions\n1\ta\n1\tb\n"},
		{"missing_region", "index\tregions\n1\t\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "lut.tsv")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := ReadLUT(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestMatrix(t *testing.T) {
	// Row 1 equals row 0, row 2 is its negation.
	ts := mat.NewDense(3, 4, []float64{
		1, 2, 3, 4,
		1, 2, 3, 4,
		-1, -2, -3, -4,
	})
	got, err := Matrix(ts, 2)
	if err != nil {
		t.Fatal(err)
	}

	check := func(i, j int, want float64) {
		t.Helper()
		if math.Abs(got.At(i, j)-want) > 1e-9 {
			t.Errorf("r(%d,%d) = %g, want %g", i, j, got.At(i, j), want)
		}
	}
	check(0, 0, 1)
	check(0, 1, 1)
	check(0, 2, -1)
	check(1, 2, -1)
	// Symmetric.
	check(2, 0, -1)
}

func TestMatrixTooFewTrials(t *testing.T) {
	ts := mat.NewDense(2, 1, []float64{1, 2})
	if _, err := Matrix(ts, 1); err == nil {
		t.Error("a single trial should be rejected")
	}
}

func TestMatrixConstantRowIsNaN(t *testing.T) {
	ts := mat.NewDense(2, 3, []float64{
		5, 5, 5,
		1, 2, 3,
	})
	got, err := Matrix(ts, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(got.At(0, 1)) {
		t.Errorf("correlation with a constant row should be NaN, got %g", got.At(0, 1))
	}
}

func TestFisherZ(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{
		1, 0.5,
		0.5, 1,
	})
	FisherZ(m)
	if m.At(0, 0) != 0 || m.At(1, 1) != 0 {
		t.Error("diagonal should be zeroed")
	}
	want := math.Atanh(0.5)
	if math.Abs(m.At(0, 1)-want) > 1e-12 {
		t.Errorf("z(0.5) = %g, want %g", m.At(0, 1), want)
	}
}

func TestWriteTSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corr.tsv")
	m := mat.NewDense(2, 2, []float64{
		0, 0.25,
		0.25, math.NaN(),
	})
	if err := WriteTSV(path, []string{"a", "b"}, m); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d lines", len(lines))
	}
	// The header row leads with an empty cell over the row-label column.
	if lines[0] != "\ta\tb" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "a\t0\t0.25" {
		t.Errorf("row a = %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "n/a") {
		t.Errorf("NaN cell should be written as n/a, row = %q", lines[2])
	}
}

func TestWriteTSVDimensionMismatch(t *testing.T) {
	m := mat.NewDense(2, 2, nil)
	if err := WriteTSV(filepath.Join(t.TempDir(), "x.tsv"), []string{"a"}, m); err == nil {
		t.Error("region/matrix mismatch should be rejected")
	}
}

func TestWriteNpyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corr.npy")
	m := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	if err := WriteNpy(path, m); err != nil {
		t.Fatal(err)
	}

	r, err := gonpy.NewFileReader(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 3}, r.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	data, err := r.GetFloat64()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 4, 5, 6}, data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

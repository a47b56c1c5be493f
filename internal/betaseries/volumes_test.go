package betaseries

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// writeNiftiFixture writes a minimal little-endian NIfTI-1 float32 image
// (gzipped, so path must end in .nii.gz). val is sampled in x-fastest order.
func writeNiftiFixture(t *testing.T, path string, dims [4]int, val func(x, y, z, tt int) float32) {
	t.Helper()

	hdr := make([]byte, 352)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], 348) // sizeof_hdr

	ndim := 4
	if dims[3] <= 1 {
		ndim = 3
	}
	shape := []int16{int16(ndim), int16(dims[0]), int16(dims[1]), int16(dims[2]), int16(dims[3]), 1, 1, 1}
	if ndim == 3 {
		shape[4] = 1
	}
	for i, d := range shape {
		le.PutUint16(hdr[40+2*i:], uint16(d))
	}
	le.PutUint16(hdr[70:], 16) // datatype: float32
	le.PutUint16(hdr[72:], 32) // bitpix
	pixdim := []float32{1, 2, 2, 2, 2, 0, 0, 0}
	for i, p := range pixdim {
		le.PutUint32(hdr[76+4*i:], math.Float32bits(p))
	}
	le.PutUint32(hdr[108:], math.Float32bits(352)) // vox_offset
	le.PutUint32(hdr[112:], math.Float32bits(1))   // scl_slope
	copy(hdr[344:], "n+1\x00")

	var buf bytes.Buffer
	buf.Write(hdr)
	nt := dims[3]
	if nt < 1 {
		nt = 1
	}
	for tt := 0; tt < nt; tt++ {
		for z := 0; z < dims[2]; z++ {
			for y := 0; y < dims[1]; y++ {
				for x := 0; x < dims[0]; x++ {
					var cell [4]byte
					le.PutUint32(cell[:], math.Float32bits(val(x, y, z, tt)))
					buf.Write(cell[:])
				}
			}
		}
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(buf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWriteSeriesRoundTrip(t *testing.T) {
	dir := t.TempDir()

	srcPath := filepath.Join(dir, "bold.nii.gz")
	writeNiftiFixture(t, srcPath, [4]int{4, 4, 3, 6}, func(x, y, z, tt int) float32 {
		return float32(x + y + z + tt)
	})
	src, err := LoadVolume(srcPath)
	if err != nil {
		t.Fatal(err)
	}
	if src.Dims != [4]int{4, 4, 3, 6} {
		t.Fatalf("source dims = %v", src.Dims)
	}

	maskPath := filepath.Join(dir, "mask.nii.gz")
	writeNiftiFixture(t, maskPath, [4]int{4, 4, 3, 1}, func(x, y, z, tt int) float32 {
		if x < 2 && y == 0 && z == 0 {
			return 1
		}
		return 0
	})
	mask, err := LoadMask(maskPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(mask.Coords) != 2 {
		t.Fatalf("mask selects %d voxels, want 2", len(mask.Coords))
	}

	data := mat.NewDense(2, 5, []float64{
		1, 2, 3, 4, 5,
		10, 20, 30, 40, 50,
	})
	outPath := filepath.Join(dir, "betas.nii.gz")
	if err := WriteSeries(outPath, src, mask, data); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("series not written at requested path: %v", err)
	}

	// The written header carries the trial count, not the source scan count.
	n, err := TrailingDim(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("TrailingDim = %d, want 5", n)
	}

	got, err := LoadVolume(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if got.Dims != [4]int{4, 4, 3, 5} {
		t.Fatalf("written dims = %v", got.Dims)
	}
	for k := 0; k < 5; k++ {
		for j, c := range mask.Coords {
			if v := got.At(c[0], c[1], c[2], k); math.Abs(v-data.At(j, k)) > 1e-6 {
				t.Errorf("voxel %v volume %d = %g, want %g", c, k, v, data.At(j, k))
			}
		}
	}
	if v := got.At(3, 3, 2, 0); v != 0 {
		t.Errorf("voxel outside mask = %g, want 0", v)
	}
}

func TestWriteSeriesRequiresGzPath(t *testing.T) {
	m := &Mask{Coords: [][3]int{{0, 0, 0}}, Dims: [4]int{1, 1, 1, 1}}
	data := mat.NewDense(1, 1, []float64{1})
	err := WriteSeries(filepath.Join(t.TempDir(), "betas.nii"), &Volume{}, m, data)
	if err == nil {
		t.Fatal("plain .nii path should be rejected")
	}
}

func TestTrailingDimSingleVolume(t *testing.T) {
	dir := t.TempDir()

	srcPath := filepath.Join(dir, "bold.nii.gz")
	writeNiftiFixture(t, srcPath, [4]int{4, 4, 3, 2}, func(x, y, z, tt int) float32 { return 1 })
	src, err := LoadVolume(srcPath)
	if err != nil {
		t.Fatal(err)
	}

	maskPath := filepath.Join(dir, "mask.nii.gz")
	writeNiftiFixture(t, maskPath, [4]int{4, 4, 3, 1}, func(x, y, z, tt int) float32 { return 1 })
	mask, err := LoadMask(maskPath)
	if err != nil {
		t.Fatal(err)
	}

	// A one-trial series must report a trailing dimension of 1, not fall
	// back to the spatial dims.
	outPath := filepath.Join(dir, "single.nii.gz")
	data := mat.NewDense(len(mask.Coords), 1, nil)
	if err := WriteSeries(outPath, src, mask, data); err != nil {
		t.Fatal(err)
	}
	n, err := TrailingDim(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("TrailingDim of single-volume series = %d, want 1", n)
	}

	// Same contract for a plain 3-D image.
	n, err = TrailingDim(maskPath)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("TrailingDim of 3-D image = %d, want 1", n)
	}
}

func TestMeanScale(t *testing.T) {
	ts := mat.NewDense(4, 2, []float64{
		90, 0,
		110, 0,
		100, 0,
		100, 0,
	})
	meanScale(ts)

	// Voxel 0: mean 100 -> {-10, 10, 0, 0} percent.
	want := []float64{-10, 10, 0, 0}
	for i, w := range want {
		if math.Abs(ts.At(i, 0)-w) > 1e-9 {
			t.Errorf("row %d: got %g, want %g", i, ts.At(i, 0), w)
		}
	}
	// Voxel 1 has zero mean and is left alone.
	for i := 0; i < 4; i++ {
		if ts.At(i, 1) != 0 {
			t.Errorf("zero-mean voxel was scaled at row %d", i)
		}
	}
}

func TestBlurAxisPreservesInteriorMass(t *testing.T) {
	// sigma 1.0 gives a radius-3 kernel, so the full support of an impulse
	// at x=3 stays inside a 7-wide axis and its mass is preserved exactly.
	nx, ny, nz := 7, 5, 5
	buf := make([]float64, nx*ny*nz)
	center := (2*ny+2)*nx + 3
	buf[center] = 1

	out := blurAxis(buf, nx, ny, nz, 0, 1.0)

	var sum float64
	for _, v := range out {
		sum += v
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("blur should preserve interior mass, got %g", sum)
	}
	if out[center] >= 1 {
		t.Error("blur should spread the impulse")
	}
	if out[center] <= out[center-1]-1e-12 || out[center] < out[center+1]-1e-12 {
		t.Error("impulse center should remain the maximum along the axis")
	}
}

func TestBlurAxisPreservesConstant(t *testing.T) {
	// Clamped boundaries keep a flat signal flat even where the kernel
	// overhangs the volume edge.
	nx, ny, nz := 5, 4, 3
	buf := make([]float64, nx*ny*nz)
	for i := range buf {
		buf[i] = 7
	}

	out := blurAxis(buf, nx, ny, nz, 0, 1.5)
	for i, v := range out {
		if math.Abs(v-7) > 1e-12 {
			t.Fatalf("constant volume changed at %d: %g", i, v)
		}
	}
}

func TestBlurAxisZeroSigmaNoop(t *testing.T) {
	buf := []float64{1, 2, 3, 4}
	out := blurAxis(buf, 4, 1, 1, 0, 0)
	for i := range buf {
		if out[i] != buf[i] {
			t.Fatalf("zero sigma should be a no-op")
		}
	}
}

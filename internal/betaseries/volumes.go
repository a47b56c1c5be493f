// Package betaseries estimates per-trial response amplitudes ("beta series")
// from preprocessed bold runs and writes one 4-D series per trial type.
package betaseries

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/KyungWonPark/nifti"
	"gonum.org/v1/gonum/mat"
)

// Volume wraps a loaded NIfTI image with its dimensions.
type Volume struct {
	img  *nifti.Nifti1Image
	hdr  nifti.Nifti1Header
	path string
	Dims [4]int
}

// LoadVolume reads a NIfTI image (3-D masks load with a trailing dimension
// of 1). The file must exist; the underlying reader treats missing files as
// fatal, so existence is checked up front.
func LoadVolume(path string) (*Volume, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("cannot read image %s: %w", path, err)
	}

	var img nifti.Nifti1Image
	img.LoadImage(path, true)

	var hdr nifti.Nifti1Header
	hdr.LoadHeader(path)

	v := &Volume{img: &img, hdr: hdr, path: path}
	dims := img.GetDims()
	for i := 0; i < 4 && i < len(dims); i++ {
		v.Dims[i] = dims[i]
	}
	if v.Dims[3] == 0 {
		v.Dims[3] = 1
	}
	return v, nil
}

// TrailingDim reads only the shape of the image at path and returns the size
// of its last dimension (the trial/time axis for 4-D images).
func TrailingDim(path string) (int, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("cannot read image %s: %w", path, err)
	}

	var img nifti.Nifti1Image
	img.LoadImage(path, false)

	// 3-D images report a fourth dim of 0; they count as a single volume.
	dims := img.GetDims()
	last := 1
	if len(dims) > 3 && dims[3] > 1 {
		last = dims[3]
	}
	return last, nil
}

// Path returns the file the volume was loaded from.
func (v *Volume) Path() string { return v.path }

// At returns the voxel value at (x, y, z, t).
func (v *Volume) At(x, y, z, t int) float64 {
	return float64(v.img.GetAt(uint32(x), uint32(y), uint32(z), uint32(t)))
}

// VoxelSizes returns the voxel edge lengths in mm along x, y, z.
func (v *Volume) VoxelSizes() [3]float64 {
	return [3]float64{
		float64(v.hdr.Pixdim[1]),
		float64(v.hdr.Pixdim[2]),
		float64(v.hdr.Pixdim[3]),
	}
}

// Mask is the set of voxel coordinates inside a binary brain mask, in a
// stable scan order so matrix columns always map to the same voxel.
type Mask struct {
	Coords [][3]int
	Dims   [4]int
}

// LoadMask loads a binary mask image; every voxel > 0 is inside.
func LoadMask(path string) (*Mask, error) {
	v, err := LoadVolume(path)
	if err != nil {
		return nil, err
	}

	m := &Mask{Dims: v.Dims}
	for z := 0; z < v.Dims[2]; z++ {
		for y := 0; y < v.Dims[1]; y++ {
			for x := 0; x < v.Dims[0]; x++ {
				if v.At(x, y, z, 0) > 0 {
					m.Coords = append(m.Coords, [3]int{x, y, z})
				}
			}
		}
	}
	if len(m.Coords) == 0 {
		return nil, fmt.Errorf("mask %s selects no voxels", path)
	}
	return m, nil
}

// TimeSeriesMatrix extracts the bold signal inside the mask as a T x V
// matrix (rows are timepoints, columns are mask voxels in mask order).
func (v *Volume) TimeSeriesMatrix(m *Mask) (*mat.Dense, error) {
	if v.Dims[0] != m.Dims[0] || v.Dims[1] != m.Dims[1] || v.Dims[2] != m.Dims[2] {
		return nil, fmt.Errorf("mask dims %v do not match image dims %v for %s", m.Dims, v.Dims, v.path)
	}

	nt := v.Dims[3]
	out := mat.NewDense(nt, len(m.Coords), nil)
	for t := 0; t < nt; t++ {
		for j, c := range m.Coords {
			out.Set(t, j, v.At(c[0], c[1], c[2], t))
		}
	}
	return out, nil
}

// SmoothedTimeSeriesMatrix is TimeSeriesMatrix with a gaussian blur of the
// given FWHM (mm) applied to every volume first. A non-positive FWHM falls
// back to plain extraction.
func (v *Volume) SmoothedTimeSeriesMatrix(m *Mask, fwhmMM float64) (*mat.Dense, error) {
	if fwhmMM <= 0 {
		return v.TimeSeriesMatrix(m)
	}
	if v.Dims[0] != m.Dims[0] || v.Dims[1] != m.Dims[1] || v.Dims[2] != m.Dims[2] {
		return nil, fmt.Errorf("mask dims %v do not match image dims %v for %s", m.Dims, v.Dims, v.path)
	}

	vol := smoothVolume(v, fwhmMM)
	nx, ny := v.Dims[0], v.Dims[1]
	idx := func(x, y, z int) int { return (z*ny+y)*nx + x }

	nt := v.Dims[3]
	out := mat.NewDense(nt, len(m.Coords), nil)
	for t := 0; t < nt; t++ {
		for j, c := range m.Coords {
			out.Set(t, j, vol[t][idx(c[0], c[1], c[2])])
		}
	}
	return out, nil
}

// WriteSeries writes a V x K matrix of per-voxel values (columns are
// volumes) back into image space, carrying the source header for
// orientation and voxel geometry. Voxels outside the mask are zero. The
// path must end in .gz: nifti's Save appends that extension itself.
func WriteSeries(path string, src *Volume, m *Mask, data *mat.Dense) error {
	nvox, nk := data.Dims()
	if nvox != len(m.Coords) {
		return fmt.Errorf("series has %d voxel rows, mask has %d voxels", nvox, len(m.Coords))
	}
	if !strings.HasSuffix(path, ".gz") {
		return fmt.Errorf("series path %s must have a .gz extension", path)
	}

	// Carry the source header, but pin the dims: SetNewHeader copies the
	// source's fourth dim (its scan count), which is not the trial count.
	hdr := src.hdr
	hdr.Dim[0] = 4
	hdr.Dim[1] = int16(m.Dims[0])
	hdr.Dim[2] = int16(m.Dims[1])
	hdr.Dim[3] = int16(m.Dims[2])
	hdr.Dim[4] = int16(nk)

	img := nifti.NewImg(m.Dims[0], m.Dims[1], m.Dims[2], nk)
	img.SetNewHeader(hdr)
	img.SetHeaderDim(m.Dims[0], m.Dims[1], m.Dims[2], nk)

	for k := 0; k < nk; k++ {
		for j, c := range m.Coords {
			img.SetAt(uint32(c[0]), uint32(c[1]), uint32(c[2]), uint32(k), float32(data.At(j, k)))
		}
	}

	img.Save(strings.TrimSuffix(path, ".gz"))
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to write image %s: %w", path, err)
	}
	return nil
}

// meanScale converts each voxel's time series to percent signal change
// around its own mean. Voxels with a zero mean are left untouched to avoid
// dividing by zero outside the brain.
func meanScale(ts *mat.Dense) {
	nt, nv := ts.Dims()
	for j := 0; j < nv; j++ {
		var sum float64
		for t := 0; t < nt; t++ {
			sum += ts.At(t, j)
		}
		mean := sum / float64(nt)
		if mean == 0 {
			continue
		}
		for t := 0; t < nt; t++ {
			ts.Set(t, j, (ts.At(t, j)-mean)/mean*100)
		}
	}
}

// smoothVolume applies a separable 3-D gaussian blur with the given FWHM in
// mm to every timepoint. The whole volume is blurred; masking happens at
// extraction time.
func smoothVolume(v *Volume, fwhmMM float64) [][]float64 {
	sizes := v.VoxelSizes()
	nx, ny, nz, nt := v.Dims[0], v.Dims[1], v.Dims[2], v.Dims[3]

	// sigma per axis in voxel units
	sigma := [3]float64{}
	for i, sz := range sizes {
		if sz <= 0 {
			sz = 1
		}
		sigma[i] = fwhmMM / (2 * math.Sqrt(2*math.Log(2))) / sz
	}

	vol := make([][]float64, nt)
	idx := func(x, y, z int) int { return (z*ny+y)*nx + x }

	for t := 0; t < nt; t++ {
		buf := make([]float64, nx*ny*nz)
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					buf[idx(x, y, z)] = v.At(x, y, z, t)
				}
			}
		}
		for axis := 0; axis < 3; axis++ {
			buf = blurAxis(buf, nx, ny, nz, axis, sigma[axis])
		}
		vol[t] = buf
	}
	return vol
}

// blurAxis convolves the flattened volume with a 1-D gaussian along one axis.
func blurAxis(buf []float64, nx, ny, nz, axis int, sigma float64) []float64 {
	if sigma <= 0 {
		return buf
	}
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	var ksum float64
	for i := -radius; i <= radius; i++ {
		k := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = k
		ksum += k
	}
	for i := range kernel {
		kernel[i] /= ksum
	}

	out := make([]float64, len(buf))
	idx := func(x, y, z int) int { return (z*ny+y)*nx + x }
	dims := [3]int{nx, ny, nz}

	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				pos := [3]int{x, y, z}
				var acc float64
				for i := -radius; i <= radius; i++ {
					p := pos
					p[axis] += i
					if p[axis] < 0 {
						p[axis] = 0
					}
					if p[axis] >= dims[axis] {
						p[axis] = dims[axis] - 1
					}
					acc += kernel[i+radius] * buf[idx(p[0], p[1], p[2])]
				}
				out[idx(x, y, z)] = acc
			}
		}
	}
	return out
}

// Package grid provides the image substrate for the registration engine:
// N-dimensional scalar, vector and composite images over a rectangular index
// domain, together with the interpolation, smoothing and resampling
// operations the optimizers are built on.
//
// Sample data is stored in a flat float64 slice with the first axis varying
// fastest and channels interleaved per voxel. An image carries its physical
// metadata (spacing, origin, direction cosines) so that higher layers can
// convert between voxel-index space and world coordinates.
package grid

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MaxDims is the highest supported image dimensionality.
const MaxDims = 4

// Image is an N-dimensional array of scalar or vector samples with an
// associated physical-space mapping.
type Image struct {
	// Dims holds the index-domain size along each axis.
	Dims []int

	// Comp is the number of components per voxel. Scalar images have
	// Comp == 1, displacement fields have Comp == len(Dims), and composite
	// images pack one component per input channel.
	Comp int

	// Spacing is the physical size of a voxel along each axis.
	Spacing []float64

	// Origin is the physical position of the voxel at index zero.
	Origin []float64

	// Dir holds the direction cosines as an NDim x NDim matrix.
	Dir *mat.Dense

	// Data is the flat sample buffer, x fastest, components interleaved.
	Data []float64
}

// NewImage allocates a zero-filled image with identity direction, unit
// spacing and zero origin.
func NewImage(dims []int, comp int) *Image {
	n := len(dims)
	im := &Image{
		Dims:    append([]int(nil), dims...),
		Comp:    comp,
		Spacing: make([]float64, n),
		Origin:  make([]float64, n),
		Dir:     identityDense(n),
	}
	for d := range im.Spacing {
		im.Spacing[d] = 1.0
	}
	im.Data = make([]float64, im.NumVoxels()*comp)
	return im
}

// NewImageLike allocates a zero-filled image on the same grid and with the
// same physical metadata as ref, but with the given component count.
func NewImageLike(ref *Image, comp int) *Image {
	im := NewImage(ref.Dims, comp)
	copy(im.Spacing, ref.Spacing)
	copy(im.Origin, ref.Origin)
	im.Dir.Copy(ref.Dir)
	return im
}

// NewField allocates a zero displacement field over the grid of ref.
func NewField(ref *Image) *Image {
	return NewImageLike(ref, ref.NDim())
}

// Clone returns a deep copy of the image.
func (im *Image) Clone() *Image {
	out := NewImageLike(im, im.Comp)
	copy(out.Data, im.Data)
	return out
}

// NDim returns the number of spatial axes.
func (im *Image) NDim() int { return len(im.Dims) }

// NumVoxels returns the number of voxels in the index domain.
func (im *Image) NumVoxels() int {
	n := 1
	for _, d := range im.Dims {
		n *= d
	}
	return n
}

// SameGrid reports whether two images share the same index domain.
func (im *Image) SameGrid(other *Image) bool {
	if len(im.Dims) != len(other.Dims) {
		return false
	}
	for d := range im.Dims {
		if im.Dims[d] != other.Dims[d] {
			return false
		}
	}
	return true
}

// Unravel decomposes a flat voxel index into per-axis coordinates.
// The idx slice must have NDim entries.
func (im *Image) Unravel(v int, idx []int) {
	for d := 0; d < len(im.Dims); d++ {
		idx[d] = v % im.Dims[d]
		v /= im.Dims[d]
	}
}

// Fill sets every component of every voxel to the given values. A single
// value fills all components uniformly.
func (im *Image) Fill(vals ...float64) {
	if len(vals) == 1 {
		for i := range im.Data {
			im.Data[i] = vals[0]
		}
		return
	}
	if len(vals) != im.Comp {
		panic(fmt.Sprintf("grid: fill with %d values into %d components", len(vals), im.Comp))
	}
	for i := 0; i < len(im.Data); i += im.Comp {
		copy(im.Data[i:i+im.Comp], vals)
	}
}

// At returns component c of the voxel at the given index coordinates.
func (im *Image) At(idx []int, c int) float64 {
	return im.Data[im.offset(idx)+c]
}

// Set assigns component c of the voxel at the given index coordinates.
func (im *Image) Set(idx []int, c int, v float64) {
	im.Data[im.offset(idx)+c] = v
}

func (im *Image) offset(idx []int) int {
	v := 0
	for d := len(im.Dims) - 1; d >= 0; d-- {
		v = v*im.Dims[d] + idx[d]
	}
	return v * im.Comp
}

// MinMax returns the smallest and largest value of component c.
func (im *Image) MinMax(c int) (lo, hi float64) {
	lo = im.Data[c]
	hi = im.Data[c]
	for i := c; i < len(im.Data); i += im.Comp {
		v := im.Data[i]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Scale multiplies every sample in place.
func (im *Image) Scale(s float64) {
	for i := range im.Data {
		im.Data[i] *= s
	}
}

// AddInPlace accumulates other into im. The grids and component counts
// must match.
func (im *Image) AddInPlace(other *Image) {
	for i := range im.Data {
		im.Data[i] += other.Data[i]
	}
}

// MulMaskInPlace multiplies every component of each voxel by the scalar
// mask value at that voxel.
func (im *Image) MulMaskInPlace(mask *Image) {
	nv := im.NumVoxels()
	for v := 0; v < nv; v++ {
		m := mask.Data[v]
		base := v * im.Comp
		for c := 0; c < im.Comp; c++ {
			im.Data[base+c] *= m
		}
	}
}

func identityDense(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1.0)
	}
	return m
}

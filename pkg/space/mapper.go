// Package space converts between the voxel-index space of an image and
// physical RAS world coordinates. The mapping is an affine function of the
// image metadata: direction cosines scaled by spacing, plus the origin,
// with the first two axes sign-flipped to move from the scanner LPS
// convention into RAS.
package space

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"greedyreg/pkg/grid"
)

// Mapping holds the voxel-to-physical transform of one image,
// physical = A·index + b, together with a factorization of A so the
// inverse direction is a linear solve rather than an explicit inversion.
type Mapping struct {
	A *mat.Dense
	B *mat.VecDense

	lu mat.LU
}

// NewMapping derives the mapping from an image's metadata. It is a pure
// function of the metadata; the image buffer is not touched.
func NewMapping(im *grid.Image) *Mapping {
	n := im.NDim()

	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		sign := 1.0
		if i < 2 {
			sign = -1.0
		}
		for j := 0; j < n; j++ {
			a.Set(i, j, sign*im.Dir.At(i, j)*im.Spacing[j])
		}
	}

	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		sign := 1.0
		if i < 2 {
			sign = -1.0
		}
		b.SetVec(i, sign*im.Origin[i])
	}

	m := &Mapping{A: a, B: b}
	m.lu.Factorize(a)
	return m
}

// Dim returns the spatial dimensionality of the mapping.
func (m *Mapping) Dim() int { return m.B.Len() }

// VoxelToPhysical maps a (possibly fractional) voxel index to a physical
// RAS point.
func (m *Mapping) VoxelToPhysical(idx, out []float64) {
	n := m.Dim()
	for i := 0; i < n; i++ {
		v := m.B.AtVec(i)
		for j := 0; j < n; j++ {
			v += m.A.At(i, j) * idx[j]
		}
		out[i] = v
	}
}

// PhysicalToVoxel maps a physical RAS point back to continuous voxel
// coordinates by solving A·x = p − b.
func (m *Mapping) PhysicalToVoxel(p, out []float64) error {
	n := m.Dim()
	rhs := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		rhs.SetVec(i, p[i]-m.B.AtVec(i))
	}
	var x mat.VecDense
	if err := m.lu.SolveVecTo(&x, false, rhs); err != nil {
		return fmt.Errorf("voxel mapping is singular: %w", err)
	}
	for i := 0; i < n; i++ {
		out[i] = x.AtVec(i)
	}
	return nil
}

// Solve solves A·X = rhs for X, used when re-expressing affine transforms
// between voxel and physical space without inverting A.
func (m *Mapping) Solve(rhs mat.Matrix) (*mat.Dense, error) {
	var x mat.Dense
	if err := m.lu.SolveTo(&x, false, rhs); err != nil {
		return nil, fmt.Errorf("voxel mapping is singular: %w", err)
	}
	return &x, nil
}

// SolveTrans solves Aᵀ·X = rhs for X. Combined with a transpose of the
// result this yields right-division by A, i.e. rhsᵀ·A⁻¹, again without an
// explicit inverse.
func (m *Mapping) SolveTrans(rhs mat.Matrix) (*mat.Dense, error) {
	var x mat.Dense
	if err := m.lu.SolveTo(&x, true, rhs); err != nil {
		return nil, fmt.Errorf("voxel mapping is singular: %w", err)
	}
	return &x, nil
}

// SolveVec solves A·x = rhs for a single vector.
func (m *Mapping) SolveVec(rhs mat.Vector) (*mat.VecDense, error) {
	var x mat.VecDense
	if err := m.lu.SolveVecTo(&x, false, rhs); err != nil {
		return nil, fmt.Errorf("voxel mapping is singular: %w", err)
	}
	return &x, nil
}

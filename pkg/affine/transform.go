// Package affine implements linear registration transforms and the
// parametric optimizer that drives them. A transform is always defined in
// the voxel space of a specific reference image; conversion to and from
// physical RAS space goes through the coordinate mappings of the fixed and
// moving images.
package affine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"greedyreg/pkg/grid"
	"greedyreg/pkg/space"
)

// Transform is a linear map voxel -> Matrix·voxel + Offset in the voxel
// space of the reference (fixed) image grid.
type Transform struct {
	Matrix *mat.Dense
	Offset *mat.VecDense
}

// Identity returns the identity transform in n dimensions.
func Identity(n int) *Transform {
	t := &Transform{
		Matrix: mat.NewDense(n, n, nil),
		Offset: mat.NewVecDense(n, nil),
	}
	for i := 0; i < n; i++ {
		t.Matrix.Set(i, i, 1.0)
	}
	return t
}

// Dim returns the spatial dimensionality of the transform.
func (t *Transform) Dim() int { return t.Offset.Len() }

// NumParams returns the flattened parameter count, dim*(dim+1).
func NumParams(dim int) int { return dim * (dim + 1) }

// Flatten writes the transform into a flat parameter array, row by row
// with the offset component leading each row. The array must have
// NumParams(dim) entries.
func (t *Transform) Flatten(flat []float64) {
	n := t.Dim()
	pos := 0
	for i := 0; i < n; i++ {
		flat[pos] = t.Offset.AtVec(i)
		pos++
		for j := 0; j < n; j++ {
			flat[pos] = t.Matrix.At(i, j)
			pos++
		}
	}
}

// Unflatten reconstructs a transform from a flat parameter array produced
// by Flatten.
func Unflatten(flat []float64, dim int) *Transform {
	t := Identity(dim)
	pos := 0
	for i := 0; i < dim; i++ {
		t.Offset.SetVec(i, flat[pos])
		pos++
		for j := 0; j < dim; j++ {
			t.Matrix.Set(i, j, flat[pos])
			pos++
		}
	}
	return t
}

// ParameterScaling derives the per-component scaling for the flattened
// parameter vector from the reference image extent. Matrix entries are
// scaled by the image size along their column axis and offsets by one, so
// a unit step in scaled parameter space moves a boundary point by roughly
// one voxel. This conditions the minimizer.
func ParameterScaling(refDims []int) []float64 {
	n := len(refDims)
	s := make([]float64, NumParams(n))
	pos := 0
	for i := 0; i < n; i++ {
		s[pos] = 1.0
		pos++
		for j := 0; j < n; j++ {
			s[pos] = float64(refDims[j])
			pos++
		}
	}
	return s
}

// Apply maps a voxel-space point through the transform.
func (t *Transform) Apply(pt, out []float64) {
	n := t.Dim()
	for i := 0; i < n; i++ {
		v := t.Offset.AtVec(i)
		for j := 0; j < n; j++ {
			v += t.Matrix.At(i, j) * pt[j]
		}
		out[i] = v
	}
}

// ToField converts the transform to a dense displacement field over the
// reference grid: u(x) = Matrix·x + Offset − x.
func (t *Transform) ToField(ref *grid.Image, pool *grid.Pool) *grid.Image {
	n := ref.NDim()
	out := grid.NewField(ref)
	nv := ref.NumVoxels()
	pool.Run(nv, func(_, lo, hi int) {
		idx := make([]int, n)
		pt := make([]float64, n)
		mapped := make([]float64, n)
		for v := lo; v < hi; v++ {
			ref.Unravel(v, idx)
			for d := 0; d < n; d++ {
				pt[d] = float64(idx[d])
			}
			t.Apply(pt, mapped)
			for d := 0; d < n; d++ {
				out.Data[v*n+d] = mapped[d] - pt[d]
			}
		}
	})
	return out
}

// ToRAS re-expresses a voxel-space transform as a homogeneous
// (dim+1)x(dim+1) matrix in physical RAS space:
//
//	Q = T_mov · A · T_fix⁻¹
//	p = T_mov · b + s_mov − Q · s_fix
//
// where T/s are the voxel-to-physical mappings of the two images. The
// T_fix division is performed as a linear solve.
func (t *Transform) ToRAS(fixed, moving *grid.Image) (*mat.Dense, error) {
	n := t.Dim()
	mFix := space.NewMapping(fixed)
	mMov := space.NewMapping(moving)

	var tma mat.Dense
	tma.Mul(mMov.A, t.Matrix)

	// Q = (T_mov·A)·T_fix⁻¹ via T_fixᵀ·Qᵀ = (T_mov·A)ᵀ.
	qt, err := mFix.SolveTrans(tma.T())
	if err != nil {
		return nil, fmt.Errorf("mapping transform to RAS: %w", err)
	}
	var q mat.Dense
	q.CloneFrom(qt.T())

	var p mat.VecDense
	p.MulVec(mMov.A, t.Offset)
	p.AddVec(&p, mMov.B)
	var qs mat.VecDense
	qs.MulVec(&q, mFix.B)
	p.SubVec(&p, &qs)

	qp := mat.NewDense(n+1, n+1, nil)
	qp.Set(n, n, 1.0)
	for i := 0; i < n; i++ {
		qp.Set(i, n, p.AtVec(i))
		for j := 0; j < n; j++ {
			qp.Set(i, j, q.At(i, j))
		}
	}
	return qp, nil
}

// FromRAS converts a homogeneous physical RAS matrix into a voxel-space
// transform for the given fixed/moving pair, solving the T_mov systems
// rather than inverting T_mov.
func FromRAS(qp *mat.Dense, fixed, moving *grid.Image) (*Transform, error) {
	n := fixed.NDim()
	mFix := space.NewMapping(fixed)
	mMov := space.NewMapping(moving)

	q := mat.NewDense(n, n, nil)
	p := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		p.SetVec(i, qp.At(i, n))
		for j := 0; j < n; j++ {
			q.Set(i, j, qp.At(i, j))
		}
	}

	var qtf mat.Dense
	qtf.Mul(q, mFix.A)
	a, err := mMov.Solve(&qtf)
	if err != nil {
		return nil, fmt.Errorf("mapping transform from RAS: %w", err)
	}

	var rhs mat.VecDense
	rhs.MulVec(q, mFix.B)
	rhs.AddVec(&rhs, p)
	rhs.SubVec(&rhs, mMov.B)
	b, err := mMov.SolveVec(&rhs)
	if err != nil {
		return nil, fmt.Errorf("mapping transform from RAS: %w", err)
	}

	return &Transform{Matrix: a, Offset: b}, nil
}

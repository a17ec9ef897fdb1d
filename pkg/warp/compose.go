// Package warp composes chains of affine transforms and displacement
// fields into a single voxel-space field over a reference grid, and
// inverts dense fields by fixed-point iteration.
package warp

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"greedyreg/pkg/grid"
	"greedyreg/pkg/space"
)

// Element is one link of a transform chain: either a dense displacement
// field in voxel units of the reference grid, or an affine transform as a
// homogeneous matrix in physical RAS space. The exponent selects forward
// (+1) or inverse (-1) application; affine inverses are resolved at read
// time, so only fields carry a -1 here.
type Element struct {
	Field    *grid.Image
	Affine   *mat.Dense
	Exponent int
}

// InvertIterations is the fixed-point budget used when a chain element
// requires an inverse field.
const InvertIterations = 20

// Compose folds the chain into one displacement field over the reference
// grid, in reference voxel units. Dense fields compose by resampling at
// the already-displaced locations; affine elements are applied pointwise
// through physical space.
func Compose(chain []Element, ref *grid.Image, invertExponent int, pool *grid.Pool) (*grid.Image, error) {
	out := grid.NewField(ref)
	mapper := space.NewMapping(ref)

	for i, el := range chain {
		if el.Exponent != 1 && el.Exponent != -1 {
			return nil, fmt.Errorf("%w: chain element %d has exponent %d, only +1 and -1 are supported",
				grid.ErrConfiguration, i, el.Exponent)
		}
		switch {
		case el.Field != nil:
			field := el.Field
			if el.Exponent == -1 {
				field = Invert(field, invertExponent, InvertIterations, pool)
			}
			composeField(out, field, pool)
		case el.Affine != nil:
			if err := composeAffine(out, el.Affine, mapper, pool); err != nil {
				return nil, fmt.Errorf("chain element %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("%w: chain element %d holds neither a field nor a matrix",
				grid.ErrConfiguration, i)
		}
	}
	return out, nil
}

// composeField updates out(x) += field(x + out(x)).
func composeField(out, field *grid.Image, pool *grid.Pool) {
	n := out.NDim()
	nv := out.NumVoxels()
	add := grid.NewImageLike(out, n)
	pool.Run(nv, func(_, lo, hi int) {
		idx := make([]int, n)
		pt := make([]float64, n)
		val := make([]float64, n)
		for v := lo; v < hi; v++ {
			out.Unravel(v, idx)
			for d := 0; d < n; d++ {
				pt[d] = float64(idx[d]) + out.Data[v*n+d]
			}
			if field.Sample(pt, val, nil) {
				copy(add.Data[v*n:(v+1)*n], val)
			}
		}
	})
	out.AddInPlace(add)
}

// composeAffine maps each displaced position through the RAS matrix:
// the voxel position plus current displacement is converted to physical
// space (the mapper folds in the first-two-axes sign convention), the
// homogeneous matrix is applied, the result is brought back to voxel
// space, and the original position is subtracted to leave the
// incremental displacement.
func composeAffine(out *grid.Image, qp *mat.Dense, mapper *space.Mapping, pool *grid.Pool) error {
	n := out.NDim()
	nv := out.NumVoxels()
	errs := make([]error, pool.Workers())
	pool.Run(nv, func(worker, lo, hi int) {
		idx := make([]int, n)
		pt := make([]float64, n)
		phys := make([]float64, n)
		mapped := make([]float64, n)
		vox := make([]float64, n)
		for v := lo; v < hi; v++ {
			out.Unravel(v, idx)
			for d := 0; d < n; d++ {
				pt[d] = float64(idx[d]) + out.Data[v*n+d]
			}
			mapper.VoxelToPhysical(pt, phys)
			for i := 0; i < n; i++ {
				s := qp.At(i, n)
				for j := 0; j < n; j++ {
					s += qp.At(i, j) * phys[j]
				}
				mapped[i] = s
			}
			if err := mapper.PhysicalToVoxel(mapped, vox); err != nil {
				if errs[worker] == nil {
					errs[worker] = err
				}
				return
			}
			for d := 0; d < n; d++ {
				out.Data[v*n+d] = vox[d] - float64(idx[d])
			}
		}
	})
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

package warp

import (
	"fmt"

	"greedyreg/pkg/grid"
	"greedyreg/pkg/space"
)

// Reslice applies a composed voxel-space field to a moving image,
// producing an image on the reference grid. Displaced reference
// positions are carried through physical space into the moving image's
// voxel space, so the two images need not share a grid. With nearest set
// the moving image is sampled without interpolation, which is what label
// images need.
func Reslice(moving, field, ref *grid.Image, nearest bool, pool *grid.Pool) (*grid.Image, error) {
	n := ref.NDim()
	if moving.NDim() != n {
		return nil, fmt.Errorf("%w: moving image is %d-dimensional, reference is %d-dimensional",
			grid.ErrConfiguration, moving.NDim(), n)
	}
	mapRef := space.NewMapping(ref)
	mapMov := space.NewMapping(moving)

	out := grid.NewImageLike(ref, moving.Comp)
	nv := ref.NumVoxels()
	errs := make([]error, pool.Workers())
	pool.Run(nv, func(worker, lo, hi int) {
		idx := make([]int, n)
		pt := make([]float64, n)
		phys := make([]float64, n)
		vox := make([]float64, n)
		val := make([]float64, moving.Comp)
		for v := lo; v < hi; v++ {
			ref.Unravel(v, idx)
			for d := 0; d < n; d++ {
				pt[d] = float64(idx[d]) + field.Data[v*n+d]
			}
			mapRef.VoxelToPhysical(pt, phys)
			if err := mapMov.PhysicalToVoxel(phys, vox); err != nil {
				if errs[worker] == nil {
					errs[worker] = err
				}
				return
			}
			var ok bool
			if nearest {
				ok = moving.SampleNearest(vox, val)
			} else {
				ok = moving.Sample(vox, val, nil)
			}
			if ok {
				copy(out.Data[v*moving.Comp:(v+1)*moving.Comp], val)
			}
		}
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

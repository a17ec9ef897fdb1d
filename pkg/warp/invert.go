package warp

import "greedyreg/pkg/grid"

// Invert computes an approximate inverse of a displacement field by the
// Chen fixed-point scheme: the estimate v is repeatedly refined by
// resampling the negated forward field at the displaced locations,
//
//	v ← −u(x + v(x)).
//
// The exponent controls how many halving/doubling passes bracket the
// fixed-point iteration: the field is first scaled down by 2^exponent,
// inverted, and the inverse then self-composed exponent times. For large
// displacements the smaller intermediate field keeps the iteration
// stable; a larger exponent tightens the inverse at the cost of extra
// passes. There is no residual check; iterations is a fixed budget.
func Invert(u *grid.Image, exponent, iterations int, pool *grid.Pool) *grid.Image {
	if exponent < 0 {
		exponent = 0
	}

	small := u.Clone()
	if exponent > 0 {
		small.Scale(1.0 / float64(int(1)<<uint(exponent)))
	}

	v := grid.NewImageLike(u, u.NDim())
	for i := 0; i < iterations; i++ {
		v = fixedPointStep(small, v, pool)
	}

	for i := 0; i < exponent; i++ {
		v = selfCompose(v, pool)
	}
	return v
}

// fixedPointStep returns v'(x) = −u(x + v(x)).
func fixedPointStep(u, v *grid.Image, pool *grid.Pool) *grid.Image {
	n := u.NDim()
	nv := u.NumVoxels()
	out := grid.NewImageLike(u, n)
	pool.Run(nv, func(_, lo, hi int) {
		idx := make([]int, n)
		pt := make([]float64, n)
		val := make([]float64, n)
		for v2 := lo; v2 < hi; v2++ {
			u.Unravel(v2, idx)
			for d := 0; d < n; d++ {
				pt[d] = float64(idx[d]) + v.Data[v2*n+d]
			}
			if u.Sample(pt, val, nil) {
				for d := 0; d < n; d++ {
					out.Data[v2*n+d] = -val[d]
				}
			}
		}
	})
	return out
}

// selfCompose returns v'(x) = v(x) + v(x + v(x)), doubling the warp.
func selfCompose(v *grid.Image, pool *grid.Pool) *grid.Image {
	n := v.NDim()
	nv := v.NumVoxels()
	out := grid.NewImageLike(v, n)
	pool.Run(nv, func(_, lo, hi int) {
		idx := make([]int, n)
		pt := make([]float64, n)
		val := make([]float64, n)
		for v2 := lo; v2 < hi; v2++ {
			v.Unravel(v2, idx)
			for d := 0; d < n; d++ {
				pt[d] = float64(idx[d]) + v.Data[v2*n+d]
			}
			if !v.Sample(pt, val, nil) {
				for d := range val {
					val[d] = 0
				}
			}
			for d := 0; d < n; d++ {
				out.Data[v2*n+d] = v.Data[v2*n+d] + val[d]
			}
		}
	})
	return out
}

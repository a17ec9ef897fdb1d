package metric

import (
	"greedyreg/pkg/grid"
	"greedyreg/pkg/pyramid"
)

// varianceFloor keeps the correlation denominator away from zero on flat
// patches.
const varianceFloor = 1e-12

// evalNCC computes the local normalized cross correlation over a window
// of the configured per-axis radius. For each voxel the window statistics
// are assembled from separable box sums of f, m, f², m² and f·m planes;
// the squared correlation
//
//	cc = sfm² / (sff · smm)
//
// is accumulated as the metric value, and its analytic derivative with
// respect to the warped center intensity,
//
//	dcc/dm = 2·sfm/(sff·smm) · (I − (sfm/smm)·J),
//
// is chained through the moving-image spatial gradient. The value is a
// similarity; callers that minimize must negate it. Because the local
// normalization divides out gain and bias, the metric is invariant to
// affine intensity rescaling of either input.
func (e *Engine) evalNCC(lv *pyramid.Level, w *warped) *Result {
	n := lv.Fixed.NDim()
	comp := lv.Fixed.Comp
	nv := lv.Fixed.NumVoxels()
	norm := 1.0 / float64(nv)

	count := make([]float64, nv)
	copy(count, w.valid)
	grid.BoxSumFilter(count, lv.Fixed.Dims, e.Radius, e.Pool)

	grad := grid.NewField(lv.Fixed)
	values := make([]float64, comp)

	// Scratch planes reused across channels.
	f := make([]float64, nv)
	m := make([]float64, nv)
	ff := make([]float64, nv)
	mm := make([]float64, nv)
	fm := make([]float64, nv)

	for c := 0; c < comp; c++ {
		e.Pool.Run(nv, func(_, lo, hi int) {
			for v := lo; v < hi; v++ {
				if w.valid[v] == 0 {
					f[v], m[v], ff[v], mm[v], fm[v] = 0, 0, 0, 0, 0
					continue
				}
				fv := lv.Fixed.Data[v*comp+c]
				mv := w.m[c][v]
				f[v] = fv
				m[v] = mv
				ff[v] = fv * fv
				mm[v] = mv * mv
				fm[v] = fv * mv
			}
		})
		grid.BoxSumFilter(f, lv.Fixed.Dims, e.Radius, e.Pool)
		grid.BoxSumFilter(m, lv.Fixed.Dims, e.Radius, e.Pool)
		grid.BoxSumFilter(ff, lv.Fixed.Dims, e.Radius, e.Pool)
		grid.BoxSumFilter(mm, lv.Fixed.Dims, e.Radius, e.Pool)
		grid.BoxSumFilter(fm, lv.Fixed.Dims, e.Radius, e.Pool)

		wc := lv.Weights[c]
		sum := e.Pool.ReduceSum(nv, 1, func(_, lo, hi int, partial []float64) {
			for v := lo; v < hi; v++ {
				cnt := count[v]
				if w.valid[v] == 0 || cnt < 2 {
					continue
				}
				sumF, sumM := f[v], m[v]
				sff := ff[v] - sumF*sumF/cnt
				smm := mm[v] - sumM*sumM/cnt
				sfm := fm[v] - sumF*sumM/cnt
				if sff < varianceFloor || smm < varianceFloor {
					continue
				}
				denom := sff * smm
				cc := sfm * sfm / denom
				partial[0] += wc * cc

				iC := lv.Fixed.Data[v*comp+c] - sumF/cnt
				jC := w.m[c][v] - sumM/cnt
				dccDm := 2.0 * sfm / denom * (iC - sfm/smm*jC)
				for d := 0; d < n; d++ {
					grad.Data[v*n+d] += wc * dccDm * w.gm[c*n+d][v] * norm
				}
			}
		})
		values[c] = sum[0] * norm
	}

	res := &Result{Values: values, Grad: grad}
	for _, v := range values {
		res.Total += v
	}
	return res
}

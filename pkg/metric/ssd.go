package metric

import (
	"greedyreg/pkg/grid"
	"greedyreg/pkg/pyramid"
)

// evalSSD computes the mean weighted squared intensity difference between
// the fixed composite and the warped moving composite, and its gradient
// with respect to the displacement: d/du Σ w·(m−f)² = Σ 2w·(m−f)·∇m,
// the chain rule through the warp. The value is an error term; lower is
// better.
func (e *Engine) evalSSD(lv *pyramid.Level, w *warped) *Result {
	n := lv.Fixed.NDim()
	comp := lv.Fixed.Comp
	nv := lv.Fixed.NumVoxels()
	norm := 1.0 / float64(nv)

	grad := grid.NewField(lv.Fixed)
	values := e.Pool.ReduceSum(nv, comp, func(_, lo, hi int, partial []float64) {
		for v := lo; v < hi; v++ {
			if w.valid[v] == 0 {
				continue
			}
			for c := 0; c < comp; c++ {
				diff := w.m[c][v] - lv.Fixed.Data[v*comp+c]
				wc := lv.Weights[c]
				partial[c] += wc * diff * diff
				for d := 0; d < n; d++ {
					grad.Data[v*n+d] += 2.0 * wc * diff * w.gm[c*n+d][v] * norm
				}
			}
		}
	})

	res := &Result{Values: values, Grad: grad}
	for c := range res.Values {
		res.Values[c] *= norm
		res.Total += res.Values[c]
	}
	return res
}

package metric

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"greedyreg/pkg/grid"
	"greedyreg/pkg/pyramid"
)

// evalMI approximates the mutual information between the fixed and warped
// moving intensity distributions from a joint histogram. Each voxel
// contributes to one fixed-intensity bin and, Parzen style, linearly to
// the two adjacent moving-intensity bins, which makes the histogram a
// differentiable function of the warped intensities. The value is
//
//	MI = H(F) + H(M) − H(F, M)
//
// and the gradient at a voxel follows from the derivative of the linear
// bin weights:
//
//	dMI/dm = (1/(mass·binWidth)) · (log(p(i,j+1)/pm(j+1)) − log(p(i,j)/pm(j)))
//
// chained through the moving-image spatial gradient. Like NCC this is a
// similarity and is negated on minimizer paths.
func (e *Engine) evalMI(lv *pyramid.Level, w *warped) *Result {
	n := lv.Fixed.NDim()
	comp := lv.Fixed.Comp
	nv := lv.Fixed.NumVoxels()
	bins := e.bins()

	grad := grid.NewField(lv.Fixed)
	values := make([]float64, comp)

	for c := 0; c < comp; c++ {
		fmin, fw := lv.FixedMin[c], (lv.FixedMax[c]-lv.FixedMin[c])/float64(bins)
		mmin, mw := lv.MovingMin[c], (lv.MovingMax[c]-lv.MovingMin[c])/float64(bins)

		hist := e.Pool.ReduceSum(nv, bins*bins, func(_, lo, hi int, partial []float64) {
			for v := lo; v < hi; v++ {
				if w.valid[v] == 0 {
					continue
				}
				i := fixedBin(lv.Fixed.Data[v*comp+c], fmin, fw, bins)
				j0, t := movingBin(w.m[c][v], mmin, mw, bins)
				partial[i*bins+j0] += 1.0 - t
				if j0+1 < bins {
					partial[i*bins+j0+1] += t
				}
			}
		})

		mass := 0.0
		for _, h := range hist {
			mass += h
		}
		if mass == 0 {
			continue
		}

		joint := make([]float64, bins*bins)
		pf := make([]float64, bins)
		pm := make([]float64, bins)
		for i := 0; i < bins; i++ {
			for j := 0; j < bins; j++ {
				p := hist[i*bins+j] / mass
				joint[i*bins+j] = p
				pf[i] += p
				pm[j] += p
			}
		}
		mi := stat.Entropy(pf) + stat.Entropy(pm) - stat.Entropy(joint)
		wc := lv.Weights[c]
		values[c] = wc * mi

		// Gradient pass: look up the log-ratio difference for each
		// voxel's pair of moving bins.
		gscale := wc / (mass * mw)
		e.Pool.Run(nv, func(_, lo, hi int) {
			for v := lo; v < hi; v++ {
				if w.valid[v] == 0 {
					continue
				}
				i := fixedBin(lv.Fixed.Data[v*comp+c], fmin, fw, bins)
				j0, _ := movingBin(w.m[c][v], mmin, mw, bins)
				var hiTerm float64
				if j0+1 < bins {
					hiTerm = logRatio(joint[i*bins+j0+1], pm[j0+1])
				}
				loTerm := logRatio(joint[i*bins+j0], pm[j0])
				dmi := gscale * (hiTerm - loTerm)
				for d := 0; d < n; d++ {
					grad.Data[v*n+d] += dmi * w.gm[c*n+d][v]
				}
			}
		})
	}

	res := &Result{Values: values, Grad: grad}
	for _, v := range values {
		res.Total += v
	}
	return res
}

func fixedBin(v, min, width float64, bins int) int {
	i := int((v - min) / width)
	if i < 0 {
		return 0
	}
	if i >= bins {
		return bins - 1
	}
	return i
}

// movingBin returns the lower of the two bins a moving intensity
// contributes to and the weight of the upper one. Intensities beyond the
// outermost bin centers saturate into the edge bins, so every voxel
// contributes exactly one unit of histogram mass.
func movingBin(v, min, width float64, bins int) (int, float64) {
	z := (v-min)/width - 0.5
	if z < 0 {
		z = 0
	}
	if z > float64(bins-1) {
		z = float64(bins - 1)
	}
	j0 := int(math.Floor(z))
	return j0, z - float64(j0)
}

func logRatio(pj, pmj float64) float64 {
	if pj <= 0 || pmj <= 0 {
		return 0
	}
	return math.Log(pj / pmj)
}

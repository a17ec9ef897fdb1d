// Package metric computes image-similarity values and their analytic
// gradients for the registration optimizers. Three metric families are
// supported: sum-of-squared-differences, local normalized cross
// correlation over a fixed window, and mutual information from a joint
// histogram.
//
// Every metric runs in two modes. Full-field mode produces a gradient
// vector field over the whole reference domain and drives the greedy
// deformable optimizer. Parametric mode reduces the per-voxel gradient
// field against the affine Jacobian into a small parameter-space gradient
// for the affine optimizer.
//
// Per-voxel work is partitioned across a worker pool; scalar values are
// reduced from per-worker partial sums combined in a fixed order, so
// results are bit-reproducible for a given worker count.
package metric

import (
	"fmt"
	"math"

	"greedyreg/pkg/grid"
	"greedyreg/pkg/pyramid"
)

// Kind selects the metric family.
type Kind int

const (
	SSD Kind = iota
	NCC
	MI
)

func (k Kind) String() string {
	switch k {
	case SSD:
		return "SSD"
	case NCC:
		return "NCC"
	case MI:
		return "MI"
	}
	return "unknown"
}

// ParseKind parses a metric name as it appears on the command line or in
// a parameter file.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "SSD", "ssd":
		return SSD, nil
	case "NCC", "ncc":
		return NCC, nil
	case "MI", "mi":
		return MI, nil
	}
	return SSD, fmt.Errorf("%w: unknown metric %q", grid.ErrConfiguration, name)
}

// DefaultMinimizerScale reproduces the scale factor the original design
// applied to similarity metrics before handing them to a minimizer, to
// keep their magnitude comparable to the squared-difference metric.
const DefaultMinimizerScale = 10000.0

// DefaultHistogramBins is the joint-histogram resolution of the mutual
// information metric.
const DefaultHistogramBins = 32

// Engine evaluates one metric kind over pyramid levels.
type Engine struct {
	Kind Kind

	// Radius is the per-axis window radius of the NCC metric. Its length
	// must match the image dimensionality.
	Radius []int

	// Bins is the joint-histogram resolution for MI; zero selects
	// DefaultHistogramBins.
	Bins int

	// MinimizerScale multiplies negated similarity values on the
	// parametric path. Zero selects DefaultMinimizerScale.
	MinimizerScale float64

	Pool *grid.Pool
}

// Result is one metric evaluation. It is produced fresh per evaluation
// and never mutated afterwards.
type Result struct {
	// Values holds the per-channel metric contributions.
	Values []float64
	// Total is the sum of Values.
	Total float64
	// Grad is the gradient of Total with respect to the displacement at
	// each voxel, after gradient-mask weighting.
	Grad *grid.Image
}

// Similarity reports whether the metric is a similarity (higher is
// better) rather than an error. Similarities must be negated before being
// fed to a minimizer.
func (e *Engine) Similarity() bool { return e.Kind != SSD }

// MinimizerScaleValue returns the configured minimizer scale factor,
// falling back to the default.
func (e *Engine) MinimizerScaleValue() float64 {
	if e.MinimizerScale != 0 {
		return e.MinimizerScale
	}
	return DefaultMinimizerScale
}

func (e *Engine) bins() int {
	if e.Bins > 0 {
		return e.Bins
	}
	return DefaultHistogramBins
}

// Validate checks the engine parameters against an image dimensionality.
func (e *Engine) Validate(ndim int) error {
	if e.Kind == NCC && len(e.Radius) != ndim {
		return fmt.Errorf("%w: NCC radius has %d entries for %d-dimensional images",
			grid.ErrConfiguration, len(e.Radius), ndim)
	}
	return nil
}

// warped holds the moving composite resampled through a displacement
// field: per-channel value planes, per-channel spatial gradient planes
// (channel major), and a validity plane that is 1 where the sample landed
// inside the moving domain.
type warped struct {
	m     [][]float64
	gm    [][]float64
	valid []float64
}

// resample warps the moving composite of a level by the displacement
// field u, producing value and gradient planes for the metric kernels.
func (e *Engine) resample(lv *pyramid.Level, u *grid.Image) *warped {
	n := lv.Fixed.NDim()
	comp := lv.Moving.Comp
	nv := lv.Fixed.NumVoxels()

	w := &warped{
		m:     make([][]float64, comp),
		gm:    make([][]float64, comp*n),
		valid: make([]float64, nv),
	}
	for c := range w.m {
		w.m[c] = make([]float64, nv)
	}
	for i := range w.gm {
		w.gm[i] = make([]float64, nv)
	}

	e.Pool.Run(nv, func(_, lo, hi int) {
		idx := make([]int, n)
		pt := make([]float64, n)
		val := make([]float64, comp)
		gv := make([]float64, comp*n)
		for v := lo; v < hi; v++ {
			lv.Fixed.Unravel(v, idx)
			for d := 0; d < n; d++ {
				pt[d] = float64(idx[d]) + u.Data[v*n+d]
			}
			if !lv.Moving.Sample(pt, val, gv) {
				continue
			}
			w.valid[v] = 1.0
			for c := 0; c < comp; c++ {
				w.m[c][v] = val[c]
				for d := 0; d < n; d++ {
					w.gm[c*n+d][v] = gv[c*n+d]
				}
			}
		}
	})
	return w
}

// EvaluateField computes the metric and its full gradient field for a
// candidate displacement field over the level's reference domain.
func (e *Engine) EvaluateField(lv *pyramid.Level, u *grid.Image) (*Result, error) {
	if err := e.Validate(lv.Fixed.NDim()); err != nil {
		return nil, err
	}
	w := e.resample(lv, u)

	var res *Result
	switch e.Kind {
	case SSD:
		res = e.evalSSD(lv, w)
	case NCC:
		res = e.evalNCC(lv, w)
	case MI:
		res = e.evalMI(lv, w)
	}

	if lv.GradMask != nil {
		res.Grad.MulMaskInPlace(lv.GradMask)
	}
	if err := e.checkFinite(res); err != nil {
		return nil, err
	}
	return res, nil
}

// EvaluateParametric computes the scalar metric and its gradient with
// respect to the flattened affine parameters, for the dense field of a
// candidate transform. The per-voxel gradient field is reduced against
// the affine Jacobian: offsets accumulate the raw gradient, matrix entry
// (i,j) accumulates gradient component i weighted by voxel coordinate j.
func (e *Engine) EvaluateParametric(lv *pyramid.Level, u *grid.Image) (float64, []float64, error) {
	res, err := e.EvaluateField(lv, u)
	if err != nil {
		return 0, nil, err
	}

	n := lv.Fixed.NDim()
	nv := lv.Fixed.NumVoxels()
	nparam := n * (n + 1)
	gflat := e.Pool.ReduceSum(nv, nparam, func(_, lo, hi int, partial []float64) {
		idx := make([]int, n)
		for v := lo; v < hi; v++ {
			lv.Fixed.Unravel(v, idx)
			for i := 0; i < n; i++ {
				g := res.Grad.Data[v*n+i]
				row := i * (n + 1)
				partial[row] += g
				for j := 0; j < n; j++ {
					partial[row+1+j] += g * float64(idx[j])
				}
			}
		}
	})
	return res.Total, gflat, nil
}

func (e *Engine) checkFinite(res *Result) error {
	if !isFinite(res.Total) {
		return fmt.Errorf("%s metric: %w", e.Kind, grid.ErrNumericDivergence)
	}
	bad := make([]bool, e.Pool.Workers())
	e.Pool.Run(len(res.Grad.Data), func(worker, lo, hi int) {
		for i := lo; i < hi; i++ {
			if !isFinite(res.Grad.Data[i]) {
				bad[worker] = true
				return
			}
		}
	})
	for _, b := range bad {
		if b {
			return fmt.Errorf("%s metric gradient: %w", e.Kind, grid.ErrNumericDivergence)
		}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

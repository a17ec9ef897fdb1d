// Package pyramid builds the multi-resolution image stack the optimizers
// run over. Each level packs every input pair channel (and the optional
// gradient mask) into one composite multi-channel image per side, so that
// a single interpolation per voxel serves all channels. Levels are built
// eagerly, coarsest first, because each coarse solution seeds the next
// finer level.
package pyramid

import (
	"fmt"
	"math/rand"

	"greedyreg/pkg/grid"
)

// Pair is one fixed/moving image pair with its metric weight. The two
// images may be multi-channel; all channels of a pair share the weight.
type Pair struct {
	Fixed  *grid.Image
	Moving *grid.Image
	Weight float64
}

// Level holds the composite images of one resolution level. Optimizers
// treat the composites as read-only and may share them across workers.
type Level struct {
	// Fixed is the composite reference image; its grid is the reference
	// domain for displacement fields at this level.
	Fixed *grid.Image
	// Moving is the composite moving image with matching channel order.
	Moving *grid.Image
	// Weights carries the per-channel metric weights.
	Weights []float64
	// GradMask is an optional scalar mask applied to metric gradients.
	GradMask *grid.Image
	// Factor is the shrink factor of this level relative to full
	// resolution.
	Factor int

	// Per-channel intensity ranges, used by the histogram metric.
	FixedMin, FixedMax   []float64
	MovingMin, MovingMax []float64
}

// Pyramid is the full level stack, Levels[0] coarsest.
type Pyramid struct {
	Levels []*Level
}

// nccNoiseSeed makes the tiny additive noise used with windowed metrics
// reproducible across runs.
const nccNoiseSeed = 77241

// Build constructs a pyramid with the given number of levels. Level k has
// shrink factor 2^(levels-1-k), so the last level is full resolution.
// With addNoise set, a small deterministic perturbation is mixed into the
// composite intensities to keep local-variance windows away from exact
// zero, which the correlation metric needs on flat regions.
func Build(pairs []Pair, mask *grid.Image, levels int, addNoise bool, pool *grid.Pool) (*Pyramid, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: at least one image pair is required", grid.ErrConfiguration)
	}
	ref := pairs[0].Fixed
	for i, p := range pairs {
		if p.Fixed.NDim() != ref.NDim() || p.Moving.NDim() != ref.NDim() {
			return nil, fmt.Errorf("%w: image pair %d mixes dimensionalities", grid.ErrConfiguration, i)
		}
		if !p.Fixed.SameGrid(ref) {
			return nil, fmt.Errorf("%w: fixed image of pair %d does not match the reference grid", grid.ErrConfiguration, i)
		}
	}
	if mask != nil && !mask.SameGrid(ref) {
		return nil, fmt.Errorf("%w: gradient mask does not match the reference grid", grid.ErrConfiguration)
	}

	fixedFull, weights := composite(pairs, true)
	movingFull, _ := composite(pairs, false)
	if addNoise {
		perturb(fixedFull)
		perturb(movingFull)
	}

	pyr := &Pyramid{}
	for level := 0; level < levels; level++ {
		factor := 1 << uint(levels-1-level)
		lv := &Level{
			Fixed:   shrink(fixedFull, factor, pool),
			Moving:  shrink(movingFull, factor, pool),
			Weights: weights,
			Factor:  factor,
		}
		if mask != nil {
			lv.GradMask = shrink(mask, factor, pool)
		}
		lv.computeRanges()
		pyr.Levels = append(pyr.Levels, lv)
	}
	return pyr, nil
}

// composite packs all channels of every pair into one multi-channel image
// and returns the per-channel weights alongside.
func composite(pairs []Pair, fixed bool) (*grid.Image, []float64) {
	total := 0
	for _, p := range pairs {
		total += side(p, fixed).Comp
	}
	ref := side(pairs[0], fixed)
	out := grid.NewImageLike(ref, total)
	weights := make([]float64, total)

	at := 0
	nv := ref.NumVoxels()
	for _, p := range pairs {
		src := side(p, fixed)
		for c := 0; c < src.Comp; c++ {
			weights[at] = p.Weight
			for v := 0; v < nv; v++ {
				out.Data[v*total+at] = src.Data[v*src.Comp+c]
			}
			at++
		}
	}
	return out, weights
}

func side(p Pair, fixed bool) *grid.Image {
	if fixed {
		return p.Fixed
	}
	return p.Moving
}

func perturb(im *grid.Image) {
	lo, hi := im.MinMax(0)
	amp := (hi - lo) * 1e-4
	if amp <= 0 {
		amp = 1e-6
	}
	rng := rand.New(rand.NewSource(nccNoiseSeed))
	for i := range im.Data {
		im.Data[i] += amp * (rng.Float64() - 0.5)
	}
}

// shrink downsamples by an integer factor after anti-alias smoothing.
// The origin stays on the first retained voxel center; spacing scales by
// the factor.
func shrink(im *grid.Image, factor int, pool *grid.Pool) *grid.Image {
	if factor <= 1 {
		return im.Clone()
	}
	n := im.NDim()
	sigma := make([]float64, n)
	for d := range sigma {
		sigma[d] = float64(factor) * 0.5
	}
	smoothed := grid.Smooth(im, sigma, pool)

	dims := make([]int, n)
	for d := 0; d < n; d++ {
		dims[d] = (im.Dims[d] + factor - 1) / factor
		if dims[d] < 1 {
			dims[d] = 1
		}
	}
	out := grid.NewImage(dims, im.Comp)
	copy(out.Origin, im.Origin)
	out.Dir.Copy(im.Dir)
	for d := 0; d < n; d++ {
		out.Spacing[d] = im.Spacing[d] * float64(factor)
	}

	nv := out.NumVoxels()
	pool.Run(nv, func(_, lo, hi int) {
		idx := make([]int, n)
		src := make([]int, n)
		for v := lo; v < hi; v++ {
			out.Unravel(v, idx)
			for d := 0; d < n; d++ {
				src[d] = idx[d] * factor
				if src[d] >= im.Dims[d] {
					src[d] = im.Dims[d] - 1
				}
			}
			for c := 0; c < im.Comp; c++ {
				out.Data[v*im.Comp+c] = smoothed.At(src, c)
			}
		}
	})
	return out
}

func (lv *Level) computeRanges() {
	comp := lv.Fixed.Comp
	lv.FixedMin = make([]float64, comp)
	lv.FixedMax = make([]float64, comp)
	lv.MovingMin = make([]float64, comp)
	lv.MovingMax = make([]float64, comp)
	for c := 0; c < comp; c++ {
		lv.FixedMin[c], lv.FixedMax[c] = lv.Fixed.MinMax(c)
		lv.MovingMin[c], lv.MovingMax[c] = lv.Moving.MinMax(c)
	}
	// Guard degenerate constant channels so histogram bin widths stay
	// finite.
	for c := 0; c < comp; c++ {
		if lv.FixedMax[c] <= lv.FixedMin[c] {
			lv.FixedMax[c] = lv.FixedMin[c] + 1
		}
		if lv.MovingMax[c] <= lv.MovingMin[c] {
			lv.MovingMax[c] = lv.MovingMin[c] + 1
		}
	}
}

// SigmaPhysical reports, for logging, the physical-unit sigmas that a
// voxel-unit smoothing spec corresponds to at this level.
func (lv *Level) SigmaPhysical(sigmaVox []float64) []float64 {
	out := make([]float64, len(sigmaVox))
	for d := range sigmaVox {
		out[d] = sigmaVox[d] * lv.Fixed.Spacing[d]
	}
	return out
}

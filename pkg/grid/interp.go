package grid

// Sample evaluates the image at a continuous voxel-space point using
// multilinear interpolation. Interpolated component values are written to
// out (length Comp). When grad is non-nil (length Comp*NDim, channel
// major) the spatial gradient of each component is written as well.
//
// The return value is false when the point lies outside the index domain
// extended by one voxel; such samples contribute nothing to a metric.
// Corner indices are clamped at the boundary, which extends edge values
// into the half-voxel border.
func (im *Image) Sample(pt []float64, out []float64, grad []float64) bool {
	n := im.NDim()
	comp := im.Comp

	var base [MaxDims]int
	var frac [MaxDims]float64
	var stride [MaxDims]int

	s := 1
	for d := 0; d < n; d++ {
		stride[d] = s * comp
		s *= im.Dims[d]

		p := pt[d]
		if p < -1.0 || p > float64(im.Dims[d]) {
			return false
		}
		f := floor(p)
		base[d] = int(f)
		frac[d] = p - f
	}

	for c := 0; c < comp; c++ {
		out[c] = 0
	}
	if grad != nil {
		for i := 0; i < comp*n; i++ {
			grad[i] = 0
		}
	}

	// Visit the 2^n corners of the containing cell.
	corners := 1 << uint(n)
	for m := 0; m < corners; m++ {
		w := 1.0
		off := 0
		for d := 0; d < n; d++ {
			i := base[d]
			if m&(1<<uint(d)) != 0 {
				i++
				w *= frac[d]
			} else {
				w *= 1.0 - frac[d]
			}
			if i < 0 {
				i = 0
			} else if i >= im.Dims[d] {
				i = im.Dims[d] - 1
			}
			off += i * stride[d]
		}
		for c := 0; c < comp; c++ {
			out[c] += w * im.Data[off+c]
		}
		if grad == nil {
			continue
		}
		for d := 0; d < n; d++ {
			// Derivative of the weight product along axis d.
			dw := 1.0
			for e := 0; e < n; e++ {
				if e == d {
					if m&(1<<uint(e)) != 0 {
						// weight factor frac, derivative +1
					} else {
						dw = -dw
					}
					continue
				}
				if m&(1<<uint(e)) != 0 {
					dw *= frac[e]
				} else {
					dw *= 1.0 - frac[e]
				}
			}
			for c := 0; c < comp; c++ {
				grad[c*n+d] += dw * im.Data[off+c]
			}
		}
	}
	return true
}

// SampleNearest evaluates the image at a continuous voxel-space point
// using nearest-neighbor lookup. It returns false outside the domain.
func (im *Image) SampleNearest(pt []float64, out []float64) bool {
	n := im.NDim()
	off := 0
	s := 1
	for d := 0; d < n; d++ {
		i := int(floor(pt[d] + 0.5))
		if i < 0 || i >= im.Dims[d] {
			return false
		}
		off += i * s * im.Comp
		s *= im.Dims[d]
	}
	copy(out, im.Data[off:off+im.Comp])
	return true
}

// ResampleIdentity resamples src onto the grid of ref by linear
// interpolation, mapping voxel centers proportionally between the two
// index domains. It is used to carry a displacement field from a coarse
// pyramid level up to a finer one.
func ResampleIdentity(src, ref *Image, pool *Pool) *Image {
	n := ref.NDim()
	out := NewImageLike(ref, src.Comp)

	var scale [MaxDims]float64
	for d := 0; d < n; d++ {
		scale[d] = float64(src.Dims[d]) / float64(ref.Dims[d])
	}

	nv := ref.NumVoxels()
	pool.Run(nv, func(_, lo, hi int) {
		idx := make([]int, n)
		pt := make([]float64, n)
		val := make([]float64, src.Comp)
		for v := lo; v < hi; v++ {
			ref.Unravel(v, idx)
			for d := 0; d < n; d++ {
				pt[d] = (float64(idx[d])+0.5)*scale[d] - 0.5
			}
			if src.Sample(pt, val, nil) {
				copy(out.Data[v*src.Comp:(v+1)*src.Comp], val)
			}
		}
	})
	return out
}

func floor(x float64) float64 {
	f := float64(int(x))
	if x < f {
		f -= 1.0
	}
	return f
}

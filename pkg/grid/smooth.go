package grid

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Smooth convolves the image with a separable Gaussian whose standard
// deviation is given per axis in voxel units. Near the boundary the kernel
// is renormalized over the in-domain taps so that smoothing does not bleed
// mass out of the image. Axes with a non-positive sigma are skipped.
func Smooth(im *Image, sigmaVox []float64, pool *Pool) *Image {
	out := im.Clone()
	SmoothInPlace(out, sigmaVox, pool)
	return out
}

// SmoothInPlace is Smooth operating on the image buffer directly.
func SmoothInPlace(im *Image, sigmaVox []float64, pool *Pool) {
	tmp := make([]float64, len(im.Data))
	for axis := 0; axis < im.NDim(); axis++ {
		if sigmaVox[axis] <= 1e-6 {
			continue
		}
		kernel := gaussKernel(sigmaVox[axis])
		convolveAxis(im.Data, tmp, im.Dims, im.Comp, axis, kernel, pool)
		copy(im.Data, tmp)
	}
}

func gaussKernel(sigma float64) []float64 {
	r := int(math.Ceil(3.5 * sigma))
	if r < 1 {
		r = 1
	}
	k := make([]float64, 2*r+1)
	sum := 0.0
	for i := -r; i <= r; i++ {
		w := math.Exp(-0.5 * float64(i*i) / (sigma * sigma))
		k[i+r] = w
		sum += w
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// convolveAxis applies a 1-D kernel along one axis for every line of the
// image, renormalizing at the borders. Lines are partitioned across the
// pool workers.
func convolveAxis(src, dst []float64, dims []int, comp, axis int, kernel []float64, pool *Pool) {
	n := dims[axis]
	radius := (len(kernel) - 1) / 2

	inner := 1
	for d := 0; d < axis; d++ {
		inner *= dims[d]
	}
	outer := 1
	for d := axis + 1; d < len(dims); d++ {
		outer *= dims[d]
	}

	lines := inner * outer
	stride := inner * comp
	pool.Run(lines, func(_, lo, hi int) {
		for line := lo; line < hi; line++ {
			o := line / inner
			i := line % inner
			base := (o*n*inner + i) * comp
			for c := 0; c < comp; c++ {
				for k := 0; k < n; k++ {
					acc := 0.0
					wsum := 0.0
					for t := -radius; t <= radius; t++ {
						j := k + t
						if j < 0 || j >= n {
							continue
						}
						w := kernel[t+radius]
						acc += w * src[base+j*stride+c]
						wsum += w
					}
					dst[base+k*stride+c] = acc / wsum
				}
			}
		}
	})
}

// BoxSumFilter replaces each element of a scalar plane with the sum of the
// elements in the axis-aligned window of the given per-axis radius,
// truncated at the domain boundary. It runs one separable running-sum
// pass per axis.
func BoxSumFilter(data []float64, dims []int, radius []int, pool *Pool) {
	tmp := make([]float64, len(data))
	for axis := 0; axis < len(dims); axis++ {
		if radius[axis] <= 0 {
			continue
		}
		boxAxis(data, tmp, dims, axis, radius[axis], pool)
		copy(data, tmp)
	}
}

func boxAxis(src, dst []float64, dims []int, axis, radius int, pool *Pool) {
	n := dims[axis]
	inner := 1
	for d := 0; d < axis; d++ {
		inner *= dims[d]
	}
	outer := 1
	for d := axis + 1; d < len(dims); d++ {
		outer *= dims[d]
	}
	lines := inner * outer
	pool.Run(lines, func(_, lo, hi int) {
		for line := lo; line < hi; line++ {
			o := line / inner
			i := line % inner
			base := o*n*inner + i
			// Running sum over the clamped window.
			sum := 0.0
			for j := 0; j < n && j <= radius; j++ {
				sum += src[base+j*inner]
			}
			for k := 0; k < n; k++ {
				dst[base+k*inner] = sum
				add := k + radius + 1
				if add < n {
					sum += src[base+add*inner]
				}
				drop := k - radius
				if drop >= 0 {
					sum -= src[base+drop*inner]
				}
			}
		}
	})
}

// MaxNorm returns the largest Euclidean vector norm in a vector image.
func MaxNorm(field *Image, pool *Pool) float64 {
	nv := field.NumVoxels()
	comp := field.Comp
	maxes := make([]float64, pool.Workers())
	pool.Run(nv, func(worker, lo, hi int) {
		m := 0.0
		for v := lo; v < hi; v++ {
			s := 0.0
			for c := 0; c < comp; c++ {
				x := field.Data[v*comp+c]
				s += x * x
			}
			if s > m {
				m = s
			}
		}
		maxes[worker] = m
	})
	m := 0.0
	for _, v := range maxes {
		if v > m {
			m = v
		}
	}
	return math.Sqrt(m)
}

// NormalizeMaxLength rescales a vector field so that its largest vector
// norm equals length. With shrinkOnly set, fields whose maximum is already
// below length are left untouched.
func NormalizeMaxLength(field *Image, length float64, shrinkOnly bool, pool *Pool) {
	m := MaxNorm(field, pool)
	if m <= 0 {
		return
	}
	if shrinkOnly && m <= length {
		return
	}
	field.Scale(length / m)
}

// JacobianDet computes the determinant of the Jacobian of the warp
// x -> x + u(x) using central differences, in voxel units. Non-positive
// values indicate folding of the transform.
func JacobianDet(field *Image, pool *Pool) *Image {
	n := field.NDim()
	out := NewImageLike(field, 1)
	nv := field.NumVoxels()

	var stride [MaxDims]int
	s := 1
	for d := 0; d < n; d++ {
		stride[d] = s
		s *= field.Dims[d]
	}

	pool.Run(nv, func(_, lo, hi int) {
		idx := make([]int, n)
		jac := mat.NewDense(n, n, nil)
		for v := lo; v < hi; v++ {
			field.Unravel(v, idx)
			for d := 0; d < n; d++ { // derivative axis
				vp, vm := v, v
				h := 2.0
				if idx[d]+1 < field.Dims[d] {
					vp = v + stride[d]
				} else {
					h -= 1.0
				}
				if idx[d] > 0 {
					vm = v - stride[d]
				} else {
					h -= 1.0
				}
				if h <= 0 {
					h = 1.0
				}
				for c := 0; c < n; c++ { // component
					du := (field.Data[vp*n+c] - field.Data[vm*n+c]) / h
					if c == d {
						du += 1.0
					}
					jac.Set(c, d, du)
				}
			}
			out.Data[v] = det(jac, n)
		}
	})
	return out
}

func det(m *mat.Dense, n int) float64 {
	switch n {
	case 1:
		return m.At(0, 0)
	case 2:
		return m.At(0, 0)*m.At(1, 1) - m.At(0, 1)*m.At(1, 0)
	case 3:
		return m.At(0, 0)*(m.At(1, 1)*m.At(2, 2)-m.At(1, 2)*m.At(2, 1)) -
			m.At(0, 1)*(m.At(1, 0)*m.At(2, 2)-m.At(1, 2)*m.At(2, 0)) +
			m.At(0, 2)*(m.At(1, 0)*m.At(2, 1)-m.At(1, 1)*m.At(2, 0))
	default:
		return mat.Det(m)
	}
}

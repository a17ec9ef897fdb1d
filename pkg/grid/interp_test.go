package grid

import (
	"math"
	"testing"
)

// rampImage holds f(x,y) = x + 10y, which multilinear interpolation
// reproduces exactly.
func rampImage(w, h int) *Image {
	im := NewImage([]int{w, h}, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			im.Data[y*w+x] = float64(x) + 10*float64(y)
		}
	}
	return im
}

func TestSampleAtVoxelCenters(t *testing.T) {
	im := rampImage(5, 4)
	out := make([]float64, 1)
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			if !im.Sample([]float64{float64(x), float64(y)}, out, nil) {
				t.Fatalf("sample at (%d,%d) reported out of bounds", x, y)
			}
			want := float64(x) + 10*float64(y)
			if out[0] != want {
				t.Errorf("sample at (%d,%d) = %v, want %v", x, y, out[0], want)
			}
		}
	}
}

func TestSampleInterpolatesLinearly(t *testing.T) {
	im := rampImage(5, 4)
	out := make([]float64, 1)
	grad := make([]float64, 2)

	if !im.Sample([]float64{1.25, 2.5}, out, grad) {
		t.Fatal("interior sample reported out of bounds")
	}
	if want := 1.25 + 10*2.5; math.Abs(out[0]-want) > 1e-12 {
		t.Errorf("value = %v, want %v", out[0], want)
	}
	if math.Abs(grad[0]-1) > 1e-12 || math.Abs(grad[1]-10) > 1e-12 {
		t.Errorf("gradient = %v, want [1 10]", grad)
	}
}

func TestSampleOutOfBounds(t *testing.T) {
	im := rampImage(5, 4)
	out := make([]float64, 1)

	cases := []struct {
		pt []float64
		ok bool
	}{
		{[]float64{-0.5, 1}, true},  // half-voxel border is inside
		{[]float64{4.9, 3.9}, true}, // up to Dims is inside
		{[]float64{-1.5, 1}, false},
		{[]float64{2, 4.5}, false},
	}
	for _, c := range cases {
		if got := im.Sample(c.pt, out, nil); got != c.ok {
			t.Errorf("Sample(%v) = %v, want %v", c.pt, got, c.ok)
		}
	}
}

func TestSampleNearest(t *testing.T) {
	im := rampImage(5, 4)
	out := make([]float64, 1)

	if !im.SampleNearest([]float64{1.4, 2.6}, out) {
		t.Fatal("nearest sample reported out of bounds")
	}
	if out[0] != 1+10*3 {
		t.Errorf("nearest at (1.4,2.6) = %v, want 31", out[0])
	}
	if im.SampleNearest([]float64{4.6, 0}, out) {
		t.Error("nearest past the last voxel should be out of bounds")
	}
}

func TestResampleIdentitySameGrid(t *testing.T) {
	im := rampImage(6, 5)
	pool := NewPool(2)
	out := ResampleIdentity(im, im, pool)
	for i := range im.Data {
		if math.Abs(out.Data[i]-im.Data[i]) > 1e-12 {
			t.Fatalf("resample onto the same grid changed sample %d: %v vs %v", i, out.Data[i], im.Data[i])
		}
	}
}

func TestResampleIdentityUpsamplesConstantField(t *testing.T) {
	// A constant coarse field stays constant on the doubled grid, so the
	// finer level sees exactly the coarse displacement after scaling.
	coarse := NewImage([]int{4, 4}, 2)
	coarse.Fill(1.5, -0.5)
	fine := NewImage([]int{8, 8}, 2)

	pool := NewPool(2)
	up := ResampleIdentity(coarse, fine, pool)
	up.Scale(2.0)

	for v := 0; v < up.NumVoxels(); v++ {
		if math.Abs(up.Data[v*2]-3.0) > 1e-12 || math.Abs(up.Data[v*2+1]+1.0) > 1e-12 {
			t.Fatalf("voxel %d = (%v,%v), want (3,-1)", v, up.Data[v*2], up.Data[v*2+1])
		}
	}
}

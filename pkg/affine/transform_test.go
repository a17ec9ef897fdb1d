package affine

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"greedyreg/pkg/grid"
)

func TestFlattenRoundTrip(t *testing.T) {
	tr := Identity(2)
	tr.Matrix.Set(0, 0, 1.1)
	tr.Matrix.Set(0, 1, -0.2)
	tr.Matrix.Set(1, 0, 0.05)
	tr.Matrix.Set(1, 1, 0.9)
	tr.Offset.SetVec(0, 3)
	tr.Offset.SetVec(1, -2)

	flat := make([]float64, NumParams(2))
	tr.Flatten(flat)

	// Offsets lead each row.
	want := []float64{3, 1.1, -0.2, -2, 0.05, 0.9}
	for i := range want {
		if flat[i] != want[i] {
			t.Fatalf("flat = %v, want %v", flat, want)
		}
	}

	back := Unflatten(flat, 2)
	if !mat.EqualApprox(back.Matrix, tr.Matrix, 1e-15) {
		t.Error("matrix did not survive the round trip")
	}
	for i := 0; i < 2; i++ {
		if back.Offset.AtVec(i) != tr.Offset.AtVec(i) {
			t.Error("offset did not survive the round trip")
		}
	}
}

func TestParameterScaling(t *testing.T) {
	s := ParameterScaling([]int{40, 20})
	want := []float64{1, 40, 20, 1, 40, 20}
	for i := range want {
		if s[i] != want[i] {
			t.Fatalf("scaling = %v, want %v", s, want)
		}
	}
}

func TestApplyAndToField(t *testing.T) {
	tr := Identity(2)
	tr.Offset.SetVec(0, 2)
	tr.Offset.SetVec(1, -1)

	out := make([]float64, 2)
	tr.Apply([]float64{5, 5}, out)
	if out[0] != 7 || out[1] != 4 {
		t.Errorf("Apply = %v, want [7 4]", out)
	}

	ref := grid.NewImage([]int{4, 4}, 1)
	pool := grid.NewPool(2)
	field := tr.ToField(ref, pool)
	for v := 0; v < field.NumVoxels(); v++ {
		if field.Data[v*2] != 2 || field.Data[v*2+1] != -1 {
			t.Fatalf("translation field at voxel %d = (%v,%v)", v, field.Data[v*2], field.Data[v*2+1])
		}
	}

	identityField := Identity(2).ToField(ref, pool)
	for i, v := range identityField.Data {
		if v != 0 {
			t.Fatalf("identity field sample %d = %v, want 0", i, v)
		}
	}
}

func TestRASRoundTrip(t *testing.T) {
	fixed := grid.NewImage([]int{20, 20}, 1)
	fixed.Spacing = []float64{1.5, 2.0}
	fixed.Origin = []float64{-4, 6}
	moving := grid.NewImage([]int{30, 25}, 1)
	moving.Spacing = []float64{0.8, 1.1}
	moving.Origin = []float64{2, -3}

	tr := Identity(2)
	tr.Matrix.Set(0, 0, 1.05)
	tr.Matrix.Set(0, 1, 0.1)
	tr.Matrix.Set(1, 0, -0.07)
	tr.Matrix.Set(1, 1, 0.95)
	tr.Offset.SetVec(0, 4)
	tr.Offset.SetVec(1, -1.5)

	q, err := tr.ToRAS(fixed, moving)
	if err != nil {
		t.Fatalf("ToRAS: %v", err)
	}
	rows, cols := q.Dims()
	if rows != 3 || cols != 3 {
		t.Fatalf("homogeneous matrix is %dx%d, want 3x3", rows, cols)
	}
	if q.At(2, 0) != 0 || q.At(2, 1) != 0 || q.At(2, 2) != 1 {
		t.Error("bottom row must be [0 0 1]")
	}

	back, err := FromRAS(q, fixed, moving)
	if err != nil {
		t.Fatalf("FromRAS: %v", err)
	}
	if !mat.EqualApprox(back.Matrix, tr.Matrix, 1e-9) {
		t.Errorf("matrix round trip:\n%v\nwant\n%v",
			mat.Formatted(back.Matrix), mat.Formatted(tr.Matrix))
	}
	for i := 0; i < 2; i++ {
		if math.Abs(back.Offset.AtVec(i)-tr.Offset.AtVec(i)) > 1e-9 {
			t.Errorf("offset[%d] round trip = %v, want %v", i, back.Offset.AtVec(i), tr.Offset.AtVec(i))
		}
	}
}

// The RAS matrix of a voxel transform must map physical points the same
// way the voxel transform maps indices.
func TestToRASConsistentWithApply(t *testing.T) {
	fixed := grid.NewImage([]int{16, 16}, 1)
	fixed.Spacing = []float64{2, 2}
	moving := grid.NewImage([]int{16, 16}, 1)
	moving.Origin = []float64{1, -2}

	tr := Identity(2)
	tr.Offset.SetVec(0, 3)
	tr.Offset.SetVec(1, 1)

	q, err := tr.ToRAS(fixed, moving)
	if err != nil {
		t.Fatalf("ToRAS: %v", err)
	}

	// Pick a fixed voxel, push it through both paths.
	vox := []float64{5, 7}
	mappedVox := make([]float64, 2)
	tr.Apply(vox, mappedVox)

	fixPhys := physical(fixed, vox)
	movPhys := physical(moving, mappedVox)

	got := []float64{
		q.At(0, 0)*fixPhys[0] + q.At(0, 1)*fixPhys[1] + q.At(0, 2),
		q.At(1, 0)*fixPhys[0] + q.At(1, 1)*fixPhys[1] + q.At(1, 2),
	}
	for d := range got {
		if math.Abs(got[d]-movPhys[d]) > 1e-9 {
			t.Errorf("physical path gives %v, voxel path gives %v", got, movPhys)
			break
		}
	}
}

func physical(im *grid.Image, vox []float64) []float64 {
	out := make([]float64, len(vox))
	for i := range vox {
		sign := 1.0
		if i < 2 {
			sign = -1.0
		}
		v := sign * im.Origin[i]
		for j := range vox {
			v += sign * im.Dir.At(i, j) * im.Spacing[j] * vox[j]
		}
		out[i] = v
	}
	return out
}

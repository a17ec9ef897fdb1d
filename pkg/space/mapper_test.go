package space

import (
	"math"
	"testing"

	"greedyreg/pkg/grid"
)

func TestMappingFlipsFirstTwoAxes(t *testing.T) {
	im := grid.NewImage([]int{10, 10, 10}, 1)
	im.Spacing = []float64{2, 3, 4}
	im.Origin = []float64{5, -7, 1}

	m := NewMapping(im)
	phys := make([]float64, 3)
	m.VoxelToPhysical([]float64{1, 1, 1}, phys)

	// Axes 0 and 1 carry the scanner-convention sign flip, axis 2 does
	// not: (-2*1-5, -3*1+7, 4*1+1).
	want := []float64{-7, 4, 5}
	for d := range want {
		if math.Abs(phys[d]-want[d]) > 1e-12 {
			t.Errorf("physical[%d] = %v, want %v", d, phys[d], want[d])
		}
	}
}

func TestMappingRoundTrip(t *testing.T) {
	im := grid.NewImage([]int{12, 9}, 1)
	im.Spacing = []float64{1.5, 0.75}
	im.Origin = []float64{-3, 8}
	im.Dir.Set(0, 0, math.Cos(0.3))
	im.Dir.Set(0, 1, -math.Sin(0.3))
	im.Dir.Set(1, 0, math.Sin(0.3))
	im.Dir.Set(1, 1, math.Cos(0.3))

	m := NewMapping(im)
	pts := [][]float64{{0, 0}, {3.5, 1.25}, {11, 8}}
	phys := make([]float64, 2)
	back := make([]float64, 2)
	for _, pt := range pts {
		m.VoxelToPhysical(pt, phys)
		if err := m.PhysicalToVoxel(phys, back); err != nil {
			t.Fatalf("PhysicalToVoxel(%v): %v", phys, err)
		}
		for d := range pt {
			if math.Abs(back[d]-pt[d]) > 1e-9 {
				t.Errorf("round trip of %v came back as %v", pt, back)
				break
			}
		}
	}
}

func TestMappingDim(t *testing.T) {
	im := grid.NewImage([]int{4, 4, 4}, 1)
	if got := NewMapping(im).Dim(); got != 3 {
		t.Errorf("Dim = %d, want 3", got)
	}
}

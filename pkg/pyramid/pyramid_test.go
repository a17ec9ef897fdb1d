package pyramid

import (
	"errors"
	"math"
	"testing"

	"greedyreg/pkg/grid"
)

func gradientImage(w, h int) *grid.Image {
	im := grid.NewImage([]int{w, h}, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			im.Data[y*w+x] = float64(x+y) / float64(w+h)
		}
	}
	return im
}

func TestBuildLevelLayout(t *testing.T) {
	fixed := gradientImage(32, 32)
	moving := gradientImage(32, 32)
	pool := grid.NewPool(2)

	pyr, err := Build([]Pair{{Fixed: fixed, Moving: moving, Weight: 1}}, nil, 3, false, pool)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(pyr.Levels) != 3 {
		t.Fatalf("got %d levels, want 3", len(pyr.Levels))
	}

	wantFactors := []int{4, 2, 1}
	wantDims := []int{8, 16, 32}
	for i, lv := range pyr.Levels {
		if lv.Factor != wantFactors[i] {
			t.Errorf("level %d factor = %d, want %d", i, lv.Factor, wantFactors[i])
		}
		if lv.Fixed.Dims[0] != wantDims[i] || lv.Fixed.Dims[1] != wantDims[i] {
			t.Errorf("level %d dims = %v, want %dx%d", i, lv.Fixed.Dims, wantDims[i], wantDims[i])
		}
		if lv.Fixed.Spacing[0] != float64(wantFactors[i]) {
			t.Errorf("level %d spacing = %v, want %d", i, lv.Fixed.Spacing[0], wantFactors[i])
		}
		if len(lv.Weights) != 1 || lv.Weights[0] != 1 {
			t.Errorf("level %d weights = %v", i, lv.Weights)
		}
	}

	// The finest level is the input itself.
	finest := pyr.Levels[2]
	for i := range fixed.Data {
		if finest.Fixed.Data[i] != fixed.Data[i] {
			t.Fatal("finest level should hold the unshrunk image")
		}
	}
}

func TestBuildCompositeChannels(t *testing.T) {
	a := gradientImage(16, 16)
	b := gradientImage(16, 16)
	b.Scale(2.0)
	pool := grid.NewPool(2)

	pairs := []Pair{
		{Fixed: a, Moving: a, Weight: 1},
		{Fixed: b, Moving: b, Weight: 0.5},
	}
	pyr, err := Build(pairs, nil, 1, false, pool)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	lv := pyr.Levels[0]
	if lv.Fixed.Comp != 2 {
		t.Fatalf("composite has %d channels, want 2", lv.Fixed.Comp)
	}
	if lv.Weights[0] != 1 || lv.Weights[1] != 0.5 {
		t.Errorf("weights = %v, want [1 0.5]", lv.Weights)
	}
	// Channel packing keeps per-pair values interleaved per voxel.
	v := 5*16 + 7
	if lv.Fixed.Data[v*2] != a.Data[v] || lv.Fixed.Data[v*2+1] != b.Data[v] {
		t.Error("channel interleave does not match the input pairs")
	}
}

func TestBuildRanges(t *testing.T) {
	fixed := gradientImage(16, 16)
	moving := gradientImage(16, 16)
	pool := grid.NewPool(1)

	pyr, err := Build([]Pair{{Fixed: fixed, Moving: moving, Weight: 1}}, nil, 1, false, pool)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	lv := pyr.Levels[0]
	if lv.FixedMin[0] != 0 {
		t.Errorf("FixedMin = %v, want 0", lv.FixedMin[0])
	}
	if math.Abs(lv.FixedMax[0]-30.0/32.0) > 1e-12 {
		t.Errorf("FixedMax = %v, want %v", lv.FixedMax[0], 30.0/32.0)
	}

	// A constant channel still needs a non-empty range for histogram
	// bin widths.
	flat := grid.NewImage([]int{16, 16}, 1)
	flat.Fill(0.5)
	pyr, err = Build([]Pair{{Fixed: flat, Moving: flat, Weight: 1}}, nil, 1, false, pool)
	if err != nil {
		t.Fatalf("Build flat: %v", err)
	}
	lv = pyr.Levels[0]
	if lv.FixedMax[0] <= lv.FixedMin[0] {
		t.Error("degenerate range was not widened")
	}
}

func TestBuildNoiseIsDeterministic(t *testing.T) {
	pool := grid.NewPool(1)
	build := func() *Pyramid {
		p, err := Build([]Pair{{Fixed: gradientImage(16, 16), Moving: gradientImage(16, 16), Weight: 1}},
			nil, 1, true, pool)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		return p
	}
	p1 := build()
	p2 := build()
	for i := range p1.Levels[0].Fixed.Data {
		if p1.Levels[0].Fixed.Data[i] != p2.Levels[0].Fixed.Data[i] {
			t.Fatal("noise perturbation differs between identical builds")
		}
	}
	// And it must actually change the data.
	clean, err := Build([]Pair{{Fixed: gradientImage(16, 16), Moving: gradientImage(16, 16), Weight: 1}},
		nil, 1, false, pool)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	same := true
	for i := range clean.Levels[0].Fixed.Data {
		if clean.Levels[0].Fixed.Data[i] != p1.Levels[0].Fixed.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("noise flag had no effect")
	}
}

func TestBuildValidation(t *testing.T) {
	pool := grid.NewPool(1)
	if _, err := Build(nil, nil, 2, false, pool); !errors.Is(err, grid.ErrConfiguration) {
		t.Errorf("empty pair list: got %v", err)
	}

	a := gradientImage(16, 16)
	c := gradientImage(8, 8)
	_, err := Build([]Pair{
		{Fixed: a, Moving: a, Weight: 1},
		{Fixed: c, Moving: c, Weight: 1},
	}, nil, 1, false, pool)
	if !errors.Is(err, grid.ErrConfiguration) {
		t.Errorf("mismatched fixed grids: got %v", err)
	}

	_, err = Build([]Pair{{Fixed: a, Moving: a, Weight: 1}}, c, 1, false, pool)
	if !errors.Is(err, grid.ErrConfiguration) {
		t.Errorf("mismatched mask grid: got %v", err)
	}
}

func TestSigmaPhysical(t *testing.T) {
	fixed := gradientImage(16, 16)
	pool := grid.NewPool(1)
	pyr, err := Build([]Pair{{Fixed: fixed, Moving: fixed, Weight: 1}}, nil, 2, false, pool)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	coarse := pyr.Levels[0]
	phys := coarse.SigmaPhysical([]float64{1.5, 1.5})
	// The coarse level has spacing 2.
	if phys[0] != 3 || phys[1] != 3 {
		t.Errorf("SigmaPhysical = %v, want [3 3]", phys)
	}
}

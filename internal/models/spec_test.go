package models

import (
	"errors"
	"math"
	"testing"

	"greedyreg/pkg/grid"
)

func TestParseTransformSpec(t *testing.T) {
	ts, err := ParseTransformSpec("warp.grf")
	if err != nil {
		t.Fatalf("plain path: %v", err)
	}
	if ts.Path != "warp.grf" || ts.Exponent != 1 {
		t.Errorf("plain path parsed as %+v", ts)
	}

	ts, err = ParseTransformSpec("affine.mat,-1")
	if err != nil {
		t.Fatalf("inverse spec: %v", err)
	}
	if ts.Path != "affine.mat" || ts.Exponent != -1 {
		t.Errorf("inverse spec parsed as %+v", ts)
	}

	if _, err := ParseTransformSpec("warp.grf,2"); !errors.Is(err, grid.ErrConfiguration) {
		t.Errorf("exponent 2 should be a configuration error, got %v", err)
	}
	if _, err := ParseTransformSpec("warp.grf,x"); !errors.Is(err, grid.ErrConfiguration) {
		t.Errorf("non-numeric exponent should be a configuration error, got %v", err)
	}
}

func TestParseSmoothingSpec(t *testing.T) {
	s, err := ParseSmoothingSpec("1.732vox")
	if err != nil {
		t.Fatalf("voxel sigma: %v", err)
	}
	if s.Sigma != 1.732 || s.PhysicalUnits {
		t.Errorf("voxel sigma parsed as %+v", s)
	}

	s, err = ParseSmoothingSpec("0.7mm")
	if err != nil {
		t.Fatalf("mm sigma: %v", err)
	}
	if s.Sigma != 0.7 || !s.PhysicalUnits {
		t.Errorf("mm sigma parsed as %+v", s)
	}

	if _, err := ParseSmoothingSpec("3"); !errors.Is(err, grid.ErrConfiguration) {
		t.Errorf("missing unit should be a configuration error, got %v", err)
	}
}

func TestSigmaVoxels(t *testing.T) {
	spacing := []float64{2, 0.5}

	vox := SmoothingSpec{Sigma: 3}.SigmaVoxels(spacing)
	if vox[0] != 3 || vox[1] != 3 {
		t.Errorf("voxel-unit sigma = %v, want [3 3]", vox)
	}

	phys := SmoothingSpec{Sigma: 3, PhysicalUnits: true}.SigmaVoxels(spacing)
	if math.Abs(phys[0]-1.5) > 1e-12 || math.Abs(phys[1]-6) > 1e-12 {
		t.Errorf("physical sigma = %v, want [1.5 6]", phys)
	}
}

func TestParseIntVector(t *testing.T) {
	v, err := ParseIntVector("100x50x10")
	if err != nil {
		t.Fatalf("ParseIntVector: %v", err)
	}
	if len(v) != 3 || v[0] != 100 || v[1] != 50 || v[2] != 10 {
		t.Errorf("parsed %v", v)
	}

	if _, err := ParseIntVector("100x"); !errors.Is(err, grid.ErrConfiguration) {
		t.Errorf("trailing separator should fail, got %v", err)
	}
}

func TestParseTimeStepMode(t *testing.T) {
	cases := map[string]TimeStepMode{
		"scale":     TimeStepScale,
		"SCALEDOWN": TimeStepScaleDown,
		"const":     TimeStepConst,
	}
	for name, want := range cases {
		got, err := ParseTimeStepMode(name)
		if err != nil {
			t.Errorf("ParseTimeStepMode(%q): %v", name, err)
			continue
		}
		if got != want {
			t.Errorf("ParseTimeStepMode(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := ParseTimeStepMode("fast"); !errors.Is(err, grid.ErrConfiguration) {
		t.Errorf("unknown mode should fail, got %v", err)
	}
}

func TestParseInterpMode(t *testing.T) {
	if m, err := ParseInterpMode("linear"); err != nil || m != InterpLinear {
		t.Errorf("linear parsed as %v, %v", m, err)
	}
	if m, err := ParseInterpMode("NN"); err != nil || m != InterpNearest {
		t.Errorf("NN parsed as %v, %v", m, err)
	}
	if _, err := ParseInterpMode("cubic"); !errors.Is(err, grid.ErrConfiguration) {
		t.Errorf("unsupported mode should fail, got %v", err)
	}
}

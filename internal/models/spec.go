package models

import (
	"fmt"
	"strconv"
	"strings"

	"greedyreg/pkg/grid"
)

// ImagePairSpec names one fixed/moving image pair and the weight its
// channels carry in the composite metric.
type ImagePairSpec struct {
	Fixed  string
	Moving string
	Weight float64
}

// TransformSpec references an external transform file together with an
// integer exponent. Only +1 (use as-is) and -1 (invert) are supported.
type TransformSpec struct {
	Path     string
	Exponent int
}

// ParseTransformSpec parses "file" or "file,exponent".
func ParseTransformSpec(arg string) (TransformSpec, error) {
	ts := TransformSpec{Exponent: 1}
	if i := strings.IndexByte(arg, ','); i >= 0 {
		exp, err := strconv.Atoi(arg[i+1:])
		if err != nil {
			return ts, fmt.Errorf("%w: transform exponent %q is not an integer", grid.ErrConfiguration, arg[i+1:])
		}
		ts.Exponent = exp
		arg = arg[:i]
	}
	ts.Path = arg
	if ts.Exponent != 1 && ts.Exponent != -1 {
		return ts, fmt.Errorf("%w: transform exponent %d is not supported, use +1 or -1", grid.ErrConfiguration, ts.Exponent)
	}
	return ts, nil
}

// InterpMode selects how a resliced image is sampled.
type InterpMode int

const (
	InterpLinear InterpMode = iota
	InterpNearest
)

// ResliceSpec is one moving/output pair for reslice mode.
type ResliceSpec struct {
	Moving string
	Output string
	Interp InterpMode
}

// SmoothingSpec is a Gaussian sigma with its unit. Physical-unit sigmas
// are converted to voxels per axis using the image spacing at each level.
type SmoothingSpec struct {
	Sigma         float64
	PhysicalUnits bool
}

// ParseSmoothingSpec parses a sigma with a mandatory unit suffix, e.g.
// "1.732vox" or "0.7mm".
func ParseSmoothingSpec(arg string) (SmoothingSpec, error) {
	var s SmoothingSpec
	var num string
	switch {
	case strings.HasSuffix(arg, "vox"):
		num = strings.TrimSuffix(arg, "vox")
	case strings.HasSuffix(arg, "mm"):
		num = strings.TrimSuffix(arg, "mm")
		s.PhysicalUnits = true
	default:
		return s, fmt.Errorf("%w: smoothing sigma %q must carry a unit, e.g. 3vox or 3mm", grid.ErrConfiguration, arg)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return s, fmt.Errorf("%w: smoothing sigma %q is not a number", grid.ErrConfiguration, arg)
	}
	s.Sigma = v
	return s, nil
}

// SigmaVoxels converts the sigma to per-axis voxel units for an image
// with the given spacing.
func (s SmoothingSpec) SigmaVoxels(spacing []float64) []float64 {
	out := make([]float64, len(spacing))
	for d := range spacing {
		if s.PhysicalUnits {
			out[d] = s.Sigma / spacing[d]
		} else {
			out[d] = s.Sigma
		}
	}
	return out
}

// TimeStepMode controls how the smoothed gradient field is normalized
// into an update step.
type TimeStepMode int

const (
	// TimeStepScale always rescales the step to exactly epsilon.
	TimeStepScale TimeStepMode = iota
	// TimeStepScaleDown only shrinks steps larger than epsilon.
	TimeStepScaleDown
	// TimeStepConst applies no normalization.
	TimeStepConst
)

// ParseTimeStepMode maps a mode name to its constant.
func ParseTimeStepMode(name string) (TimeStepMode, error) {
	switch strings.ToLower(name) {
	case "scale":
		return TimeStepScale, nil
	case "scaledown":
		return TimeStepScaleDown, nil
	case "const":
		return TimeStepConst, nil
	}
	return 0, fmt.Errorf("%w: unknown time-step mode %q, use scale, scaledown or const", grid.ErrConfiguration, name)
}

// ParseInterpMode maps an interpolation name to its constant.
func ParseInterpMode(name string) (InterpMode, error) {
	switch strings.ToLower(name) {
	case "linear":
		return InterpLinear, nil
	case "nearest", "nn":
		return InterpNearest, nil
	}
	return 0, fmt.Errorf("%w: unknown interpolation mode %q, use linear or nearest", grid.ErrConfiguration, name)
}

// ParseIntVector parses an 'x'-separated integer list such as "100x50x10".
func ParseIntVector(arg string) ([]int, error) {
	parts := strings.Split(arg, "x")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer vector", grid.ErrConfiguration, arg)
		}
		out = append(out, v)
	}
	return out, nil
}

package grid

import "errors"

// Error kinds shared across the registration pipeline. All of them are
// fatal: registration is a one-shot batch computation with no retry or
// partial-result recovery. Callers wrap these with fmt.Errorf("...: %w")
// to attach the level, metric or file involved, and match with errors.Is.
var (
	// ErrConfiguration marks an invalid parameter combination, such as a
	// metric radius whose dimensionality does not match the images or an
	// unsupported transform exponent.
	ErrConfiguration = errors.New("invalid registration configuration")

	// ErrNumericDivergence marks a non-finite metric value or gradient.
	// Once intensities or gradients become non-finite the optimization
	// cannot meaningfully continue.
	ErrNumericDivergence = errors.New("non-finite metric value")

	// ErrResource marks a missing or unreadable external input.
	ErrResource = errors.New("resource unavailable")
)

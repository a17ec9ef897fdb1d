package affine

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"greedyreg/pkg/grid"
	"greedyreg/pkg/metric"
	"greedyreg/pkg/pyramid"
)

// Backend selects the minimizer driving the affine parameters.
type Backend int

const (
	// BackendLBFGS is the derivative-based quasi-Newton method.
	BackendLBFGS Backend = iota
	// BackendNelderMead is the derivative-free simplex method.
	BackendNelderMead
)

// jitterSeed and jitterAmplitude define the reproducible random
// perturbation applied around identity when no initial transform is
// supplied at the coarsest level.
const (
	jitterSeed      = 12345
	jitterAmplitude = 0.4
)

// CostFunction wraps the metric engine as a scalar function of the
// flattened, per-component-scaled affine parameter vector. The same
// contract serves both minimizer back ends.
type CostFunction struct {
	Engine  *metric.Engine
	Level   *pyramid.Level
	Pool    *grid.Pool
	Scaling []float64

	// evalErr records the first metric failure, since the minimizer
	// interface cannot carry errors.
	evalErr error
}

// NewCostFunction builds the cost function for one pyramid level, with
// parameter scaling derived from the level's reference extent.
func NewCostFunction(eng *metric.Engine, lv *pyramid.Level, pool *grid.Pool) *CostFunction {
	return &CostFunction{
		Engine:  eng,
		Level:   lv,
		Pool:    pool,
		Scaling: ParameterScaling(lv.Fixed.Dims),
	}
}

// Coefficients maps a transform into scaled parameter space.
func (cf *CostFunction) Coefficients(t *Transform) []float64 {
	x := make([]float64, NumParams(t.Dim()))
	t.Flatten(x)
	for i := range x {
		x[i] *= cf.Scaling[i]
	}
	return x
}

// Transform maps a scaled parameter vector back to a transform.
func (cf *CostFunction) Transform(x []float64) *Transform {
	n := cf.Level.Fixed.NDim()
	flat := make([]float64, len(x))
	for i := range x {
		flat[i] = x[i] / cf.Scaling[i]
	}
	return Unflatten(flat, n)
}

// Evaluate computes the minimization value at x and, when grad is
// non-nil, the gradient in scaled parameter space. Similarity metrics
// are negated and rescaled by the engine's minimizer scale so that every
// metric family presents a comparable minimization landscape.
func (cf *CostFunction) Evaluate(x, grad []float64) float64 {
	t := cf.Transform(x)
	u := t.ToField(cf.Level.Fixed, cf.Pool)
	val, gflat, err := cf.Engine.EvaluateParametric(cf.Level, u)
	if err != nil {
		if cf.evalErr == nil {
			cf.evalErr = err
		}
		return math.Inf(1)
	}
	sign := 1.0
	if cf.Engine.Similarity() {
		sign = -cf.Engine.MinimizerScaleValue()
	}
	if grad != nil {
		for i := range grad {
			grad[i] = sign * gflat[i] / cf.Scaling[i]
		}
	}
	return sign * val
}

// Err returns the first metric failure seen during minimization.
func (cf *CostFunction) Err() error { return cf.evalErr }

// Params configures an affine run.
type Params struct {
	// Iterations caps the function evaluations per level, coarsest
	// first; its length sets the pyramid depth.
	Iterations []int

	// InitialRAS optionally seeds the coarsest level.
	InitialRAS *mat.Dense

	Backend Backend

	// DebugDeriv compares the analytic gradient against a four-point
	// numeric one before optimizing, using DerivEpsilon steps.
	DebugDeriv   bool
	DerivEpsilon float64

	Verbose bool
}

// Optimizer drives the affine registration across pyramid levels.
type Optimizer struct {
	Engine *metric.Engine
	Pool   *grid.Pool
	Params Params
}

// Run optimizes level by level and returns the final transform as a
// homogeneous matrix in physical RAS space.
func (o *Optimizer) Run(pyr *pyramid.Pyramid) (*mat.Dense, error) {
	if len(o.Params.Iterations) != len(pyr.Levels) {
		return nil, fmt.Errorf("%w: %d iteration counts for %d pyramid levels",
			grid.ErrConfiguration, len(o.Params.Iterations), len(pyr.Levels))
	}

	var qPhysical *mat.Dense
	for level, lv := range pyr.Levels {
		cf := NewCostFunction(o.Engine, lv, o.Pool)

		var tLevel *Transform
		var err error
		switch {
		case level > 0:
			tLevel, err = FromRAS(qPhysical, lv.Fixed, lv.Moving)
		case o.Params.InitialRAS != nil:
			tLevel, err = FromRAS(o.Params.InitialRAS, lv.Fixed, lv.Moving)
		default:
			tLevel = jitteredIdentity(cf, lv.Fixed.NDim())
		}
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", level, err)
		}

		x := cf.Coefficients(tLevel)
		if o.Params.DebugDeriv {
			o.checkDerivative(cf, x)
		}

		if iters := o.Params.Iterations[level]; iters > 0 {
			x, err = o.minimize(cf, x, iters)
			if err != nil {
				return nil, fmt.Errorf("level %d: %s metric: %w", level, o.Engine.Kind, err)
			}
			tLevel = cf.Transform(x)
		}

		qPhysical, err = tLevel.ToRAS(lv.Fixed, lv.Moving)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", level, err)
		}
		if o.Params.Verbose {
			fmt.Printf("Level %d final RAS transform:\n%v\n", level,
				mat.Formatted(qPhysical, mat.Prefix(""), mat.Squeeze()))
		}
	}
	return qPhysical, nil
}

func (o *Optimizer) minimize(cf *CostFunction, x0 []float64, iters int) ([]float64, error) {
	problem := optimize.Problem{
		Func: func(x []float64) float64 { return cf.Evaluate(x, nil) },
		Grad: func(grad, x []float64) { cf.Evaluate(x, grad) },
	}

	var method optimize.Method
	switch o.Params.Backend {
	case BackendNelderMead:
		method = &optimize.NelderMead{}
	default:
		method = &optimize.LBFGS{}
	}

	settings := &optimize.Settings{
		FuncEvaluations: iters,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-9,
			Iterations: 20,
		},
	}

	result, err := optimize.Minimize(problem, x0, settings, method)
	if cf.Err() != nil {
		return nil, cf.Err()
	}
	if err != nil && result == nil {
		return nil, err
	}
	return result.X, nil
}

// checkDerivative prints the analytic gradient next to a four-point
// numeric approximation.
func (o *Optimizer) checkDerivative(cf *CostFunction, x []float64) {
	eps := o.Params.DerivEpsilon
	if eps <= 0 {
		eps = 1e-4
	}
	anl := make([]float64, len(x))
	f0 := cf.Evaluate(x, anl)

	num := make([]float64, len(x))
	probe := make([]float64, len(x))
	for i := range x {
		copy(probe, x)
		probe[i] = x[i] - 2*eps
		f1 := cf.Evaluate(probe, nil)
		probe[i] = x[i] - eps
		f2 := cf.Evaluate(probe, nil)
		probe[i] = x[i] + eps
		f3 := cf.Evaluate(probe, nil)
		probe[i] = x[i] + 2*eps
		f4 := cf.Evaluate(probe, nil)
		num[i] = (f1 - 8*f2 + 8*f3 - f4) / (12 * eps)
	}

	fmt.Printf("f = %g\nANL gradient: ", f0)
	for _, g := range anl {
		fmt.Printf("%11.4f ", g)
	}
	fmt.Printf("\nNUM gradient: ")
	for _, g := range num {
		fmt.Printf("%11.4f ", g)
	}
	fmt.Println()
}

func jitteredIdentity(cf *CostFunction, dim int) *Transform {
	x := cf.Coefficients(Identity(dim))
	rng := rand.New(rand.NewSource(jitterSeed))
	for i := range x {
		x[i] += jitterAmplitude * (2*rng.Float64() - 1)
	}
	return cf.Transform(x)
}

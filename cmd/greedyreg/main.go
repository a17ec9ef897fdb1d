package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"greedyreg/internal/models"
	"greedyreg/pkg/affine"
	"greedyreg/pkg/config"
	"greedyreg/pkg/deformable"
	"greedyreg/pkg/grid"
	"greedyreg/pkg/imageio"
	"greedyreg/pkg/metric"
	"greedyreg/pkg/pyramid"
	"greedyreg/pkg/warp"
)

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, " ") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	// Parse command line arguments
	mode := flag.String("mode", "deformable", "Registration mode: deformable, affine or reslice")
	configPath := flag.String("config", "", "Optional YAML configuration file")
	initConfig := flag.String("init-config", "", "Write a default configuration file to this path and exit")

	var pairs stringList
	flag.Var(&pairs, "pair", "Image pair as fixed,moving[,weight]; repeatable")
	maskPath := flag.String("mask", "", "Fixed-domain gradient mask image")

	metricName := flag.String("metric", "", "Similarity metric: ssd, ncc or mi")
	radiusArg := flag.String("radius", "", "NCC window radius per axis, e.g. 2x2")
	bins := flag.Int("bins", 0, "Histogram bins for the MI metric")
	mscale := flag.Float64("mscale", 0, "Scale applied to similarity metrics on the affine path")

	iterArg := flag.String("n", "", "Per-level iteration schedule, coarsest first, e.g. 100x50x10")
	epsilon := flag.Float64("e", 0, "Gradient step length in voxels")
	sigmaPre := flag.String("spre", "", "Pre-smoothing sigma with unit, e.g. 1.732vox or 3mm")
	sigmaPost := flag.String("spost", "", "Post-smoothing sigma with unit")
	tscale := flag.String("tscale", "", "Step normalization: scale, scaledown or const")

	iaPath := flag.String("ia", "", "Initial affine transform file")
	var preTransforms stringList
	flag.Var(&preTransforms, "it", "Moving pre-transform as file[,exponent]; repeatable, applied in order")

	outPath := flag.String("o", "", "Output file: warp, matrix or resliced image depending on mode")
	oinvPath := flag.String("oinv", "", "Inverse warp output file (deformable mode)")
	invExp := flag.Int("invexp", 0, "Square-root depth used when inverting the warp")
	warpPrec := flag.Float64("wp", -1, "Warp quantization precision in voxels; 0 disables")

	workers := flag.Int("workers", 0, "Number of worker goroutines (default: all cores)")
	backendName := flag.String("backend", "", "Affine minimizer: lbfgs or neldermead")
	debugDeriv := flag.Bool("deriv", false, "Check the analytic affine gradient numerically before optimizing")
	derivEps := flag.Float64("deriveps", 1e-4, "Step used by the numeric gradient check")

	refPath := flag.String("ref", "", "Reference image defining the output grid (reslice mode)")
	interpName := flag.String("interp", "linear", "Reslice interpolation: linear or nearest")
	flag.Parse()

	if *initConfig != "" {
		if err := config.CreateDefaultConfigFile(*initConfig); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *initConfig)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags override the configuration file.
	if *metricName != "" {
		cfg.Metric.Kind = *metricName
	}
	if *radiusArg != "" {
		cfg.Metric.Radius = *radiusArg
	}
	if *bins != 0 {
		cfg.Metric.Bins = *bins
	}
	if *mscale != 0 {
		cfg.Metric.MinimizerScale = *mscale
	}
	if *iterArg != "" {
		iters, err := models.ParseIntVector(*iterArg)
		if err != nil {
			log.Fatalf("Bad iteration schedule: %v", err)
		}
		cfg.Processing.Iterations = iters
	}
	if *epsilon != 0 {
		cfg.Processing.Epsilon = *epsilon
	}
	if *tscale != "" {
		cfg.Processing.TimeStep = *tscale
	}
	if *workers != 0 {
		cfg.Processing.NumWorkers = *workers
	}
	if *sigmaPre != "" {
		cfg.Smoothing.PreSigma = *sigmaPre
	}
	if *sigmaPost != "" {
		cfg.Smoothing.PostSigma = *sigmaPost
	}
	if *backendName != "" {
		cfg.Affine.Backend = *backendName
	}
	if *warpPrec >= 0 {
		cfg.Output.WarpPrecision = *warpPrec
	}
	if *invExp != 0 {
		cfg.Output.InverseExponent = *invExp
	}

	if *outPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	pool := grid.NewPool(cfg.Processing.NumWorkers)
	start := time.Now()

	switch *mode {
	case "deformable":
		err = runDeformable(cfg, pairs, preTransforms, *maskPath, *iaPath, *outPath, *oinvPath, pool)
	case "affine":
		err = runAffine(cfg, pairs, preTransforms, *maskPath, *iaPath, *outPath, *debugDeriv, *derivEps, pool)
	case "reslice":
		err = runReslice(cfg, *refPath, pairs, preTransforms, *outPath, *interpName, pool)
	default:
		log.Fatalf("Unknown mode %q: use deformable, affine or reslice", *mode)
	}
	if err != nil {
		log.Fatalf("Registration failed: %v", err)
	}
	fmt.Printf("Completed in %.2f seconds\n", time.Since(start).Seconds())
}

// parsePairs loads the fixed/moving images named by the -pair flags.
func parsePairs(args []string) ([]pyramid.Pair, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: at least one -pair is required", grid.ErrConfiguration)
	}
	out := make([]pyramid.Pair, 0, len(args))
	for _, arg := range args {
		parts := strings.Split(arg, ",")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("%w: pair %q must be fixed,moving[,weight]", grid.ErrConfiguration, arg)
		}
		spec := models.ImagePairSpec{Fixed: parts[0], Moving: parts[1], Weight: 1}
		if len(parts) == 3 {
			w, err := strconv.ParseFloat(parts[2], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: pair weight %q is not a number", grid.ErrConfiguration, parts[2])
			}
			spec.Weight = w
		}
		fixed, err := imageio.ReadImage(spec.Fixed)
		if err != nil {
			return nil, fmt.Errorf("fixed image %s: %w", spec.Fixed, err)
		}
		moving, err := imageio.ReadImage(spec.Moving)
		if err != nil {
			return nil, fmt.Errorf("moving image %s: %w", spec.Moving, err)
		}
		out = append(out, pyramid.Pair{Fixed: fixed, Moving: moving, Weight: spec.Weight})
	}
	return out, nil
}

// buildEngine assembles the metric engine from the configuration.
func buildEngine(cfg *config.Config, ndim int, pool *grid.Pool) (*metric.Engine, error) {
	kind, err := metric.ParseKind(cfg.Metric.Kind)
	if err != nil {
		return nil, err
	}
	eng := &metric.Engine{
		Kind:           kind,
		Bins:           cfg.Metric.Bins,
		MinimizerScale: cfg.Metric.MinimizerScale,
		Pool:           pool,
	}
	if kind == metric.NCC {
		radius, err := models.ParseIntVector(cfg.Metric.Radius)
		if err != nil {
			return nil, err
		}
		eng.Radius = radius
	}
	if err := eng.Validate(ndim); err != nil {
		return nil, err
	}
	return eng, nil
}

// loadChain reads the -it transform files. Extensions .mat and .txt are
// affine matrices; anything else is a displacement field.
func loadChain(specs []string) ([]warp.Element, error) {
	chain := make([]warp.Element, 0, len(specs))
	for _, arg := range specs {
		ts, err := models.ParseTransformSpec(arg)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(filepath.Ext(ts.Path)) {
		case ".mat", ".txt":
			q, err := imageio.ReadAffineMatrix(ts.Path, ts.Exponent)
			if err != nil {
				return nil, err
			}
			chain = append(chain, warp.Element{Affine: q, Exponent: 1})
		default:
			f, err := imageio.ReadVectorField(ts.Path)
			if err != nil {
				return nil, err
			}
			chain = append(chain, warp.Element{Field: f, Exponent: ts.Exponent})
		}
	}
	return chain, nil
}

// preWarp applies an initial transform chain to every moving image so the
// pyramid is built from already-aligned inputs.
func preWarp(cfg *config.Config, pairs []pyramid.Pair, specs []string, pool *grid.Pool) error {
	if len(specs) == 0 {
		return nil
	}
	chain, err := loadChain(specs)
	if err != nil {
		return err
	}
	for i := range pairs {
		field, err := warp.Compose(chain, pairs[i].Fixed, cfg.Output.InverseExponent, pool)
		if err != nil {
			return err
		}
		warped, err := warp.Reslice(pairs[i].Moving, field, pairs[i].Fixed, false, pool)
		if err != nil {
			return err
		}
		pairs[i].Moving = warped
	}
	return nil
}

func loadMask(path string) (*grid.Image, error) {
	if path == "" {
		return nil, nil
	}
	mask, err := imageio.ReadImage(path)
	if err != nil {
		return nil, fmt.Errorf("gradient mask %s: %w", path, err)
	}
	return mask, nil
}

func loadInitialAffine(path string) (*mat.Dense, error) {
	if path == "" {
		return nil, nil
	}
	return imageio.ReadAffineMatrix(path, 1)
}

func runDeformable(cfg *config.Config, pairArgs, preArgs []string, maskPath, iaPath, outPath, oinvPath string, pool *grid.Pool) error {
	pairs, err := parsePairs(pairArgs)
	if err != nil {
		return err
	}
	if err := preWarp(cfg, pairs, preArgs, pool); err != nil {
		return err
	}
	mask, err := loadMask(maskPath)
	if err != nil {
		return err
	}
	initial, err := loadInitialAffine(iaPath)
	if err != nil {
		return err
	}

	eng, err := buildEngine(cfg, pairs[0].Fixed.NDim(), pool)
	if err != nil {
		return err
	}
	sigmaPre, err := models.ParseSmoothingSpec(cfg.Smoothing.PreSigma)
	if err != nil {
		return err
	}
	sigmaPost, err := models.ParseSmoothingSpec(cfg.Smoothing.PostSigma)
	if err != nil {
		return err
	}
	timeStep, err := models.ParseTimeStepMode(cfg.Processing.TimeStep)
	if err != nil {
		return err
	}

	levels := len(cfg.Processing.Iterations)
	pyr, err := pyramid.Build(pairs, mask, levels, eng.Kind == metric.NCC, pool)
	if err != nil {
		return err
	}

	fmt.Printf("Deformable registration: %s metric, %d levels, epsilon %g\n",
		eng.Kind, levels, cfg.Processing.Epsilon)
	opt := &deformable.Optimizer{
		Engine: eng,
		Pool:   pool,
		Params: deformable.Params{
			Epsilon:       cfg.Processing.Epsilon,
			Iterations:    cfg.Processing.Iterations,
			SigmaPre:      sigmaPre,
			SigmaPost:     sigmaPost,
			TimeStep:      timeStep,
			InitialAffine: initial,
			Verbose:       cfg.Output.Verbose,
		},
	}
	field, err := opt.Run(pyr)
	if err != nil {
		return err
	}

	if err := imageio.WriteVectorField(field, outPath, cfg.Output.WarpPrecision); err != nil {
		return err
	}
	fmt.Printf("Warp saved to %s\n", outPath)

	if oinvPath != "" {
		inv := warp.Invert(field, cfg.Output.InverseExponent, warp.InvertIterations, pool)
		if err := imageio.WriteVectorField(inv, oinvPath, cfg.Output.WarpPrecision); err != nil {
			return err
		}
		fmt.Printf("Inverse warp saved to %s\n", oinvPath)
	}
	return nil
}

func runAffine(cfg *config.Config, pairArgs, preArgs []string, maskPath, iaPath, outPath string, debugDeriv bool, derivEps float64, pool *grid.Pool) error {
	pairs, err := parsePairs(pairArgs)
	if err != nil {
		return err
	}
	if err := preWarp(cfg, pairs, preArgs, pool); err != nil {
		return err
	}
	mask, err := loadMask(maskPath)
	if err != nil {
		return err
	}
	initial, err := loadInitialAffine(iaPath)
	if err != nil {
		return err
	}

	eng, err := buildEngine(cfg, pairs[0].Fixed.NDim(), pool)
	if err != nil {
		return err
	}
	var backend affine.Backend
	switch strings.ToLower(cfg.Affine.Backend) {
	case "lbfgs":
		backend = affine.BackendLBFGS
	case "neldermead":
		backend = affine.BackendNelderMead
	default:
		return fmt.Errorf("%w: unknown affine backend %q", grid.ErrConfiguration, cfg.Affine.Backend)
	}

	levels := len(cfg.Processing.Iterations)
	pyr, err := pyramid.Build(pairs, mask, levels, eng.Kind == metric.NCC, pool)
	if err != nil {
		return err
	}

	fmt.Printf("Affine registration: %s metric, %d levels, %s backend\n",
		eng.Kind, levels, cfg.Affine.Backend)
	opt := &affine.Optimizer{
		Engine: eng,
		Pool:   pool,
		Params: affine.Params{
			Iterations:   cfg.Processing.Iterations,
			InitialRAS:   initial,
			Backend:      backend,
			DebugDeriv:   debugDeriv,
			DerivEpsilon: derivEps,
			Verbose:      cfg.Output.Verbose,
		},
	}
	q, err := opt.Run(pyr)
	if err != nil {
		return err
	}

	if err := imageio.WriteAffineMatrix(q, outPath); err != nil {
		return err
	}
	fmt.Printf("Transform saved to %s\n", outPath)
	return nil
}

func runReslice(cfg *config.Config, refPath string, pairArgs, chainArgs []string, outPath, interpName string, pool *grid.Pool) error {
	if refPath == "" {
		return fmt.Errorf("%w: reslice mode requires -ref", grid.ErrConfiguration)
	}
	if len(pairArgs) != 1 {
		return fmt.Errorf("%w: reslice mode takes exactly one -pair holding the moving image path", grid.ErrConfiguration)
	}
	interp, err := models.ParseInterpMode(interpName)
	if err != nil {
		return err
	}
	spec := models.ResliceSpec{
		Moving: strings.Split(pairArgs[0], ",")[0],
		Output: outPath,
		Interp: interp,
	}

	ref, err := imageio.ReadImage(refPath)
	if err != nil {
		return fmt.Errorf("reference image %s: %w", refPath, err)
	}
	moving, err := imageio.ReadImage(spec.Moving)
	if err != nil {
		return fmt.Errorf("moving image %s: %w", spec.Moving, err)
	}

	chain, err := loadChain(chainArgs)
	if err != nil {
		return err
	}
	field, err := warp.Compose(chain, ref, cfg.Output.InverseExponent, pool)
	if err != nil {
		return err
	}
	out, err := warp.Reslice(moving, field, ref, spec.Interp == models.InterpNearest, pool)
	if err != nil {
		return err
	}
	if err := imageio.WriteImage(out, spec.Output); err != nil {
		return err
	}
	fmt.Printf("Resliced image saved to %s\n", spec.Output)
	return nil
}

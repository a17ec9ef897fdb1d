// Package config provides configuration loading and management for greedyreg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML.
// Command-line flags override whatever is loaded here.
type Config struct {
	// Processing parameters shared by all registration modes
	Processing struct {
		// NumWorkers specifies how many worker goroutines to use
		NumWorkers int `yaml:"numWorkers"`

		// Iterations is the per-level iteration schedule, coarsest first
		Iterations []int `yaml:"iterations"`

		// Epsilon is the gradient step length in voxel units
		Epsilon float64 `yaml:"epsilon"`

		// TimeStep selects how the step is scaled: scale, scaledown or const
		TimeStep string `yaml:"timeStep"`
	} `yaml:"processing"`

	// Metric parameters
	Metric struct {
		// Kind is the similarity measure: ssd, ncc or mi
		Kind string `yaml:"kind"`

		// Radius is the NCC window radius per axis, e.g. "2x2x2"
		Radius string `yaml:"radius"`

		// Bins is the joint histogram size for mutual information
		Bins int `yaml:"bins"`

		// MinimizerScale multiplies similarity metrics on the affine path
		MinimizerScale float64 `yaml:"minimizerScale"`
	} `yaml:"metric"`

	// Smoothing parameters for the deformable update
	Smoothing struct {
		// PreSigma smooths the raw gradient, e.g. "1.732vox" or "0.7mm"
		PreSigma string `yaml:"preSigma"`

		// PostSigma smooths the composed field after each update
		PostSigma string `yaml:"postSigma"`
	} `yaml:"smoothing"`

	// Affine optimizer parameters
	Affine struct {
		// Backend is the minimizer used for affine runs: lbfgs or neldermead
		Backend string `yaml:"backend"`
	} `yaml:"affine"`

	// Output parameters
	Output struct {
		// WarpPrecision quantizes persisted displacement components in
		// voxel units; 0 keeps full precision
		WarpPrecision float64 `yaml:"warpPrecision"`

		// InverseExponent is the square-root depth used when inverting a
		// field for the inverse warp output
		InverseExponent int `yaml:"inverseExponent"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.Iterations = []int{100, 50, 10}
	cfg.Processing.Epsilon = 1.0
	cfg.Processing.TimeStep = "scale"

	cfg.Metric.Kind = "ssd"
	cfg.Metric.Radius = "2x2x2"
	cfg.Metric.Bins = 32
	cfg.Metric.MinimizerScale = 10000

	cfg.Smoothing.PreSigma = "1.732vox"
	cfg.Smoothing.PostSigma = "0.7071vox"

	cfg.Affine.Backend = "lbfgs"

	cfg.Output.WarpPrecision = 0.1
	cfg.Output.InverseExponent = 2
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Processing.NumWorkers <= 0 {
		t.Errorf("NumWorkers = %d, want positive", cfg.Processing.NumWorkers)
	}
	if len(cfg.Processing.Iterations) != 3 || cfg.Processing.Iterations[0] != 100 {
		t.Errorf("Iterations = %v, want [100 50 10]", cfg.Processing.Iterations)
	}
	if cfg.Processing.Epsilon != 1.0 {
		t.Errorf("Epsilon = %v, want 1.0", cfg.Processing.Epsilon)
	}
	if cfg.Processing.TimeStep != "scale" {
		t.Errorf("TimeStep = %q, want scale", cfg.Processing.TimeStep)
	}
	if cfg.Metric.Kind != "ssd" {
		t.Errorf("Metric.Kind = %q, want ssd", cfg.Metric.Kind)
	}
	if cfg.Metric.Bins != 32 {
		t.Errorf("Metric.Bins = %d, want 32", cfg.Metric.Bins)
	}
	if cfg.Metric.MinimizerScale != 10000 {
		t.Errorf("MinimizerScale = %v, want 10000", cfg.Metric.MinimizerScale)
	}
	if cfg.Smoothing.PreSigma != "1.732vox" || cfg.Smoothing.PostSigma != "0.7071vox" {
		t.Errorf("sigmas = %q / %q", cfg.Smoothing.PreSigma, cfg.Smoothing.PostSigma)
	}
	if cfg.Affine.Backend != "lbfgs" {
		t.Errorf("Affine.Backend = %q, want lbfgs", cfg.Affine.Backend)
	}
	if cfg.Output.WarpPrecision != 0.1 {
		t.Errorf("WarpPrecision = %v, want 0.1", cfg.Output.WarpPrecision)
	}
	if cfg.Output.InverseExponent != 2 {
		t.Errorf("InverseExponent = %d, want 2", cfg.Output.InverseExponent)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig on missing file: %v", err)
	}
	defaults := DefaultConfig()
	if cfg.Metric.Kind != defaults.Metric.Kind || cfg.Processing.Epsilon != defaults.Processing.Epsilon {
		t.Errorf("missing file should yield defaults, got %+v", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Processing.Iterations = []int{40, 20}
	cfg.Processing.Epsilon = 0.25
	cfg.Metric.Kind = "ncc"
	cfg.Metric.Radius = "3x3"
	cfg.Affine.Backend = "neldermead"
	cfg.Output.WarpPrecision = 0.25
	cfg.Output.Verbose = false

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	back, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(back.Processing.Iterations) != 2 || back.Processing.Iterations[1] != 20 {
		t.Errorf("Iterations = %v, want [40 20]", back.Processing.Iterations)
	}
	if back.Processing.Epsilon != 0.25 {
		t.Errorf("Epsilon = %v, want 0.25", back.Processing.Epsilon)
	}
	if back.Metric.Kind != "ncc" || back.Metric.Radius != "3x3" {
		t.Errorf("metric = %q %q", back.Metric.Kind, back.Metric.Radius)
	}
	if back.Affine.Backend != "neldermead" {
		t.Errorf("Backend = %q, want neldermead", back.Affine.Backend)
	}
	if back.Output.WarpPrecision != 0.25 {
		t.Errorf("WarpPrecision = %v, want 0.25", back.Output.WarpPrecision)
	}
	if back.Output.Verbose {
		t.Error("Verbose should round-trip as false")
	}
}

func TestLoadConfigPartialFile(t *testing.T) {
	// Keys absent from the file keep their default values.
	path := filepath.Join(t.TempDir(), "config.yaml")
	text := "metric:\n  kind: mi\n  bins: 64\n"
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Metric.Kind != "mi" || cfg.Metric.Bins != 64 {
		t.Errorf("metric = %q bins %d, want mi 64", cfg.Metric.Kind, cfg.Metric.Bins)
	}
	if cfg.Processing.Epsilon != 1.0 {
		t.Errorf("Epsilon = %v, default should survive a partial file", cfg.Processing.Epsilon)
	}
	if cfg.Affine.Backend != "lbfgs" {
		t.Errorf("Backend = %q, default should survive a partial file", cfg.Affine.Backend)
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("metric: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("malformed YAML should fail to load")
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("CreateDefaultConfigFile: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Metric.Kind != "ssd" {
		t.Errorf("Metric.Kind = %q, want ssd", cfg.Metric.Kind)
	}
}

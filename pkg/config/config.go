// Package config provides configuration loading and management for dmritools.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "dmritools.yaml"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Reconstruction parameters
	Reconstruction struct {
		// SHOrder is the spherical harmonics order used for the deconvolution
		SHOrder int `yaml:"shOrder"`

		// Tolerance is the tolerated gap between b-values of the same shell
		Tolerance float64 `yaml:"tolerance"`

		// B0Threshold is the largest b-value still considered a b0
		B0Threshold float64 `yaml:"b0Threshold"`

		// SHBasis is the basis of the written coefficients (descoteaux07 or tournier07)
		SHBasis string `yaml:"shBasis"`

		// Processes is the number of voxel fits run concurrently
		Processes int `yaml:"processes"`
	} `yaml:"reconstruction"`

	// Sphere sampling parameters
	Sphere struct {
		// Subdivisions of the icosahedron used as the default sphere
		Subdivisions int `yaml:"subdivisions"`
	} `yaml:"sphere"`

	// Fit holds the constrained deconvolution parameters
	Fit struct {
		// Tolerance is the relative constraint violation accepted at convergence
		Tolerance float64 `yaml:"tolerance"`

		// MaxIterations bounds the active-set iterations per voxel (0 is automatic)
		MaxIterations int `yaml:"maxIterations"`
	} `yaml:"fit"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// JSONLogs switches the logger to structured JSON
		JSONLogs bool `yaml:"jsonLogs"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Reconstruction.SHOrder = 8
	cfg.Reconstruction.Tolerance = 20
	cfg.Reconstruction.B0Threshold = 20
	cfg.Reconstruction.SHBasis = "descoteaux07"
	cfg.Reconstruction.Processes = runtime.NumCPU() // Use all available cores by default

	// 642 vertices, the resolution of the usual 724-point repulsion sphere
	cfg.Sphere.Subdivisions = 3

	cfg.Fit.Tolerance = 1e-6
	cfg.Fit.MaxIterations = 0

	cfg.Output.Verbose = false
	cfg.Output.JSONLogs = false

	return cfg
}

// Validate checks values that cannot be repaired silently.
func (c *Config) Validate() error {
	if c.Reconstruction.SHOrder < 0 || c.Reconstruction.SHOrder%2 != 0 {
		return fmt.Errorf("shOrder must be a non-negative even number, got %d", c.Reconstruction.SHOrder)
	}
	if c.Reconstruction.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive, got %g", c.Reconstruction.Tolerance)
	}
	switch c.Reconstruction.SHBasis {
	case "descoteaux07", "tournier07":
	default:
		return fmt.Errorf("unknown shBasis %q", c.Reconstruction.SHBasis)
	}
	if c.Sphere.Subdivisions < 0 || c.Sphere.Subdivisions > 6 {
		return fmt.Errorf("sphere subdivisions must be within [0, 6], got %d", c.Sphere.Subdivisions)
	}
	if c.Fit.Tolerance <= 0 {
		return fmt.Errorf("fit tolerance must be positive, got %g", c.Fit.Tolerance)
	}
	if c.Fit.MaxIterations < 0 {
		return fmt.Errorf("maxIterations must not be negative, got %d", c.Fit.MaxIterations)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
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

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

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

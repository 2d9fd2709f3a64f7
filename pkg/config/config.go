// Package config provides configuration loading and management for mrisymreg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"mrisymreg/pkg/geometry"
	"mrisymreg/pkg/integrity"
	"mrisymreg/pkg/interpolation"
	"mrisymreg/pkg/registration"
	"mrisymreg/pkg/roi"
)

// AssetsEnv names the environment variable consulted when assets.dir is empty
const AssetsEnv = "ARTHOME"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Registration parameters
	Registration struct {
		// MaxIterations bounds the outer iterations of the grid search
		MaxIterations int `yaml:"maxIterations"`

		// Tolerance is the relative cost change that ends the search
		Tolerance float64 `yaml:"tolerance"`

		// Cost selects the similarity measure: ssd or ncc
		Cost string `yaml:"cost"`

		// StepSizes are the search steps for Rx, Ry, Rz (degrees) and Tx, Ty, Tz (mm)
		StepSizes []float64 `yaml:"stepSizes"`

		// Intervals are the half-widths of the swept range per parameter
		Intervals []float64 `yaml:"intervals"`

		// CloudThreshold is the prior value a voxel needs to be inside the brain mask
		CloudThreshold float64 `yaml:"cloudThreshold"`

		// TrimFraction is the fraction of masked voxels clamped at each intensity extreme
		TrimFraction float64 `yaml:"trimFraction"`

		// Interpolation selects trilinear or nearest neighbour reslicing
		Interpolation string `yaml:"interpolation"`
	} `yaml:"registration"`

	// Asset files
	Assets struct {
		// Dir holds the prior, models and atlases; $ARTHOME when empty
		Dir string `yaml:"dir"`

		// Prior is the PIL brain probability volume
		Prior string `yaml:"prior"`

		// PILModel is the optional landmark model refining the PIL transform
		PILModel string `yaml:"pilModel"`

		// ROIModels are the atlas names, each with a .nii and a .mdl file
		ROIModels []string `yaml:"roiModels"`
	} `yaml:"assets"`

	// Integrity index parameters
	Integrity struct {
		HistCutoff   float64 `yaml:"histCutoff"`
		MXFrac       float64 `yaml:"mxFrac"`
		MXFrac2      float64 `yaml:"mxFrac2"`
		Classes      int     `yaml:"classes"`
		EMIterations int     `yaml:"emIterations"`
	} `yaml:"integrity"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// Snapshots enables PNG mid-slices of the PIL volumes
		Snapshots bool `yaml:"snapshots"`

		// SnapshotDir is where snapshots go; next to the outputs when empty
		SnapshotDir string `yaml:"snapshotDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	reg := registration.DefaultParams()
	cfg.Registration.MaxIterations = reg.Search.MaxIterations
	cfg.Registration.Tolerance = reg.Search.Tolerance
	cfg.Registration.Cost = reg.Cost.String()
	cfg.Registration.StepSizes = append([]float64(nil), reg.Search.StepSizes[:]...)
	cfg.Registration.Intervals = append([]float64(nil), reg.Search.Intervals[:]...)
	cfg.Registration.CloudThreshold = reg.CloudThreshold
	cfg.Registration.TrimFraction = reg.TrimFraction
	cfg.Registration.Interpolation = reg.Interpolation.String()

	cfg.Assets.Prior = "PILbrain.nii"
	cfg.Assets.PILModel = "PIL.mdl"
	cfg.Assets.ROIModels = append([]string(nil), roi.Sides...)

	hi := integrity.DefaultParams()
	cfg.Integrity.HistCutoff = hi.HistCutoff
	cfg.Integrity.MXFrac = hi.MXFrac
	cfg.Integrity.MXFrac2 = hi.MXFrac2
	cfg.Integrity.Classes = hi.Classes
	cfg.Integrity.EMIterations = hi.EMIterations

	cfg.Output.Verbose = false
	cfg.Output.Snapshots = false

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

// RegistrationParams converts the registration section into engine settings
func (c *Config) RegistrationParams() (registration.Params, error) {
	p := registration.DefaultParams()
	r := c.Registration

	cost, err := registration.ParseCostFunction(r.Cost)
	if err != nil {
		return p, err
	}
	method, err := interpolation.ParseMethod(r.Interpolation)
	if err != nil {
		return p, err
	}
	if len(r.StepSizes) != geometry.NumParams {
		return p, fmt.Errorf("stepSizes needs %d values, got %d", geometry.NumParams, len(r.StepSizes))
	}
	if len(r.Intervals) != geometry.NumParams {
		return p, fmt.Errorf("intervals needs %d values, got %d", geometry.NumParams, len(r.Intervals))
	}

	p.Cost = cost
	p.Interpolation = method
	p.CloudThreshold = r.CloudThreshold
	p.TrimFraction = r.TrimFraction
	p.Search.MaxIterations = r.MaxIterations
	p.Search.Tolerance = r.Tolerance
	copy(p.Search.StepSizes[:], r.StepSizes)
	copy(p.Search.Intervals[:], r.Intervals)

	if p.TrimFraction < 0 || p.TrimFraction >= 0.5 {
		return p, fmt.Errorf("trimFraction must be in [0, 0.5), got %g", p.TrimFraction)
	}
	return p, nil
}

// IntegrityParams converts the integrity section into analysis settings
func (c *Config) IntegrityParams() integrity.Params {
	return integrity.Params{
		HistCutoff:   c.Integrity.HistCutoff,
		MXFrac:       c.Integrity.MXFrac,
		MXFrac2:      c.Integrity.MXFrac2,
		Classes:      c.Integrity.Classes,
		EMIterations: c.Integrity.EMIterations,
	}
}

// AssetDir returns the configured asset directory, falling back to $ARTHOME
func (c *Config) AssetDir() (string, error) {
	if c.Assets.Dir != "" {
		return c.Assets.Dir, nil
	}
	if dir := os.Getenv(AssetsEnv); dir != "" {
		return dir, nil
	}
	return "", fmt.Errorf("no asset directory: set assets.dir or $%s", AssetsEnv)
}

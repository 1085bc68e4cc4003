// Package config provides configuration loading and management for stackreg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Movie geometry of the raw input file
	Movie struct {
		// Width and Height are the frame dimensions in pixels
		Width  int `yaml:"width"`
		Height int `yaml:"height"`

		// Depth is the number of planes per frame, 1 for planar movies
		Depth int `yaml:"depth"`

		// Frames is the number of frames in the movie, 0 to infer from file size
		Frames int `yaml:"frames"`
	} `yaml:"movie"`

	// Correction parameters
	Correction struct {
		// MaxShifts bounds the rigid shift per axis (rows, cols, planes)
		MaxShifts [3]int `yaml:"maxShifts"`

		// Strides and Overlaps define the patch grid; the patch size is
		// strides plus overlaps
		Strides  [3]int `yaml:"strides"`
		Overlaps [3]int `yaml:"overlaps"`

		// MaxDeviationRigid bounds per-patch deviation from the rigid
		// shift; 0 selects rigid-only correction
		MaxDeviationRigid int `yaml:"maxDeviationRigid"`

		// UpsampleFactorFFT is the sub-pixel registration precision
		UpsampleFactorFFT int `yaml:"upsampleFactorFft"`

		// UpsampleFactorGrid refines the patch grid before stitching
		UpsampleFactorGrid int `yaml:"upsampleFactorGrid"`

		// Border selects how uncovered margins are filled: "nan", "min",
		// "copy", or "none"
		Border string `yaml:"border"`

		// FastPath warps each frame with one dense spatial remap instead
		// of per-patch frequency-domain shifts
		FastPath bool `yaml:"fastPath"`

		// GSigFilt, when positive, high-passes frames with a Gaussian
		// difference kernel of this width before registration
		GSigFilt float64 `yaml:"gSigFilt"`

		// FreqCutoff and FilterOrder select a Butterworth high-pass
		// instead of the Gaussian kernel when FreqCutoff is positive
		FreqCutoff  float64 `yaml:"freqCutoff"`
		FilterOrder int     `yaml:"filterOrder"`
	} `yaml:"correction"`

	// Batch orchestration parameters
	Batch struct {
		// Splits is the number of chunks per iteration, 0 to pick
		// automatically from movie size and available memory
		Splits int `yaml:"splits"`

		// NumIterRigid and NumIter are the template refinement iteration
		// counts of the rigid and piecewise stages
		NumIterRigid int `yaml:"numIterRigid"`
		NumIter      int `yaml:"numIter"`

		// Workers is the parallel worker count, 0 for one per CPU
		Workers int `yaml:"workers"`

		// SaveMovie persists corrected frames on the final iteration
		SaveMovie bool `yaml:"saveMovie"`

		// NonNegative re-adds the brightness offset to saved frames so
		// the output movie stays non-negative
		NonNegative bool `yaml:"nonNegative"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"batch"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default movie geometry; width, height and frames come from the
	// command line or the config file
	cfg.Movie.Depth = 1

	// Set default correction parameters
	cfg.Correction.MaxShifts = [3]int{6, 6, 1}
	cfg.Correction.Strides = [3]int{48, 48, 1}
	cfg.Correction.Overlaps = [3]int{24, 24, 0}
	cfg.Correction.MaxDeviationRigid = 3
	cfg.Correction.UpsampleFactorFFT = 10
	cfg.Correction.UpsampleFactorGrid = 4
	cfg.Correction.Border = "copy"
	cfg.Correction.FilterOrder = 4

	// Set default batch parameters
	cfg.Batch.NumIterRigid = 1
	cfg.Batch.NumIter = 1
	cfg.Batch.Workers = runtime.NumCPU() // Use all available cores by default
	cfg.Batch.SaveMovie = true
	cfg.Batch.Verbose = true

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

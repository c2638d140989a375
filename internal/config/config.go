// Package config holds the engine configuration and the on-disk layout of a
// checkpoint root.
package config

import (
	"fmt"
	"log/slog"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

const (
	// MetaDirName is the engine's own metadata directory inside the target
	// directory. Scans always exclude it.
	MetaDirName = ".savepoint"

	// DefaultAnchorFrequency makes every N-th checkpoint an anchor carrying
	// the full file manifest.
	DefaultAnchorFrequency = 10

	// DefaultMinDeltaSize is the threshold below which files are stored as
	// full copies instead of binary deltas (100 KiB).
	DefaultMinDeltaSize = 100 * 1024

	// DefaultSignatureBlockSize is the fixed block size of delta signatures.
	DefaultSignatureBlockSize = 2048

	// DefaultCompressionLevel is the zstd level for delta payloads.
	DefaultCompressionLevel = 3
)

// Config represents the engine configuration.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Log    LogConfig    `yaml:"log"`
}

// EngineConfig holds checkpoint engine tunables.
type EngineConfig struct {
	AnchorFrequency    int `yaml:"anchor_frequency"`
	MinDeltaSize       int `yaml:"min_delta_size"`
	SignatureBlockSize int `yaml:"signature_block_size"`
	CompressionLevel   int `yaml:"compression_level"`
	Workers            int `yaml:"workers"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level slog.Level `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			AnchorFrequency:    DefaultAnchorFrequency,
			MinDeltaSize:       DefaultMinDeltaSize,
			SignatureBlockSize: DefaultSignatureBlockSize,
			CompressionLevel:   DefaultCompressionLevel,
			Workers:            0, // 0 = NumCPU
		},
		Log: LogConfig{Level: slog.LevelInfo},
	}
}

// Load reads a YAML config file over the defaults in cfg. A missing file is
// not an error; the defaults stand.
func Load(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg.Validate()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	return c.Engine.Validate()
}

// Validate validates the engine configuration.
func (c *EngineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.AnchorFrequency, validation.Required, validation.Min(1)),
		validation.Field(&c.MinDeltaSize, validation.Min(0)),
		validation.Field(&c.SignatureBlockSize, validation.Required, validation.Min(128), validation.Max(1<<20)),
		validation.Field(&c.CompressionLevel, validation.Min(1), validation.Max(19)),
		validation.Field(&c.Workers, validation.Min(0)),
	)
}

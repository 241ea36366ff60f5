// Package config loads this module's ambient configuration: where a
// pristine's page store and change store live on disk, which channel
// a command operates on by default, and the tag pipeline's
// compression level. Configuration is loaded from an optional YAML
// file and then overridden by environment variables, the same
// file-then-env layering the rest of this module's ambient stack
// (logging, error handling) keeps deliberately simple.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the settings cmd/pristine needs to open a pristine and
// run the unapply/tag subsystems against it.
type Config struct {
	// DataDir is the directory holding the page store and change
	// store.
	DataDir string `yaml:"data_dir"`

	// DefaultChannel names the channel commands operate on when none
	// is given explicitly.
	DefaultChannel string `yaml:"default_channel"`

	// InMemory selects the btree-backed MemStore page store instead
	// of BadgerStore — used for tests and dry runs.
	InMemory bool `yaml:"in_memory"`

	// TagCompressionLevel is the zstd level pkg/tag's serializer
	// passes to its encoder (1 = fastest, 19 = smallest).
	TagCompressionLevel int `yaml:"tag_compression_level"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `yaml:"log_level"`
}

// defaults returns the Config populated with this module's defaults,
// used as the base LoadFile starts from.
func defaults() *Config {
	return &Config{
		DataDir:             "./pristine-data",
		DefaultChannel:      "main",
		InMemory:            false,
		TagCompressionLevel: 3,
		LogLevel:            "INFO",
	}
}

// LoadFile reads a YAML config file, falling back to defaults for any
// field the file omits. A missing file is not an error: it returns
// defaults() unchanged.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg's fields with any PRISTINE_* environment
// variable that is set, in place.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PRISTINE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PRISTINE_DEFAULT_CHANNEL"); v != "" {
		c.DefaultChannel = v
	}
	if v := os.Getenv("PRISTINE_IN_MEMORY"); v != "" {
		c.InMemory = v == "true" || v == "1"
	}
	if v := os.Getenv("PRISTINE_TAG_COMPRESSION_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TagCompressionLevel = n
		}
	}
	if v := os.Getenv("PRISTINE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks cfg for values the rest of this module cannot
// tolerate.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.TagCompressionLevel < 1 || c.TagCompressionLevel > 19 {
		return fmt.Errorf("config: tag_compression_level must be in [1,19], got %d", c.TagCompressionLevel)
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	return nil
}

// String returns a representation of cfg safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DataDir: %s, DefaultChannel: %s, InMemory: %v, TagCompressionLevel: %d, LogLevel: %s}",
		c.DataDir, c.DefaultChannel, c.InMemory, c.TagCompressionLevel, c.LogLevel)
}

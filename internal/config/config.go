// Package config loads the service configuration from a YAML file with
// sane defaults, to be overridden by CLI flags in cmd.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Workers configures the stage scheduler.
type Workers struct {
	// PollingInterval is the delay between two iterations of a poller.
	PollingInterval time.Duration `yaml:"pollingInterval"`
	// Concurrency is the number of pollers per stage.
	Concurrency int `yaml:"concurrency"`
	// SampleSize bounds the random subset of eligible datasets examined
	// per iteration.
	SampleSize int `yaml:"sampleSize"`
}

// Locks configures the distributed lock manager.
type Locks struct {
	// TTL is the lifetime of a lock past which it can be taken over.
	TTL time.Duration `yaml:"ttl"`
}

// Auth configures the privileged-caller check.
type Auth struct {
	// JWTSecret signs and verifies privileged tokens. Empty disables the
	// privileged override path entirely.
	JWTSecret string `yaml:"jwtSecret"`
}

// Config is the root configuration.
type Config struct {
	// DataDir is the root directory for dataset files and collections.
	DataDir string `yaml:"dataDir"`
	// Timezone is the IANA name used to normalize date-time values that
	// carry no explicit offset.
	Timezone string `yaml:"timezone"`
	Workers  Workers `yaml:"workers"`
	Locks    Locks   `yaml:"locks"`
	Auth     Auth    `yaml:"auth"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		Timezone: "Europe/Paris",
		Workers: Workers{
			PollingInterval: time.Second,
			Concurrency:     2,
			SampleSize:      100,
		},
		Locks: Locks{
			TTL: 60 * time.Second,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. A missing file
// is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be positive, got %d", c.Workers.Concurrency)
	}
	if c.Workers.SampleSize <= 0 {
		return fmt.Errorf("workers.sampleSize must be positive, got %d", c.Workers.SampleSize)
	}
	if c.Locks.TTL <= 0 {
		return fmt.Errorf("locks.ttl must be positive, got %s", c.Locks.TTL)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

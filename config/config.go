// Package config loads the YAML settings shared by the hooking components
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// PatchMode selects how patch bytes reach the target
type PatchMode string

const (
	// PatchLocal writes through the controller's memory handle
	PatchLocal PatchMode = "local"
	// PatchRemote runs the patch procedure inside the target
	PatchRemote PatchMode = "remote"
)

// ProtectRestore decides what a failed protection restore means after a successful write
type ProtectRestore string

const (
	// RestoreSoft logs the failure and keeps the patch
	RestoreSoft ProtectRestore = "soft"
	// RestoreHard rolls the write back and fails the operation
	RestoreHard ProtectRestore = "hard"
)

const (
	DefaultModule          = "run.exe"
	DefaultInjectTimeout   = 5 * time.Second
	DefaultPollInterval    = 10 * time.Millisecond
	DefaultDrainGrace      = 50 * time.Millisecond
	DefaultRingCapacity    = 64
	DefaultExportCacheSize = 128

	MaxRingCapacity = 4096
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Module is the image module-relative addresses are resolved against.
	Module string `yaml:"module"`

	// PatchMode is "local" or "remote".
	PatchMode PatchMode `yaml:"patch-mode"`
	// ProtectRestore is "soft" or "hard".
	ProtectRestore ProtectRestore `yaml:"protect-restore"`

	// InjectTimeout bounds the wait for a remote procedure.
	InjectTimeout time.Duration `yaml:"inject-timeout"`

	// PollInterval is how often captured registers are collected.
	PollInterval time.Duration `yaml:"poll-interval"`
	// DrainGrace is how long uninstall waits for threads still inside a stub.
	DrainGrace time.Duration `yaml:"drain-grace"`
	// RingCapacity is the number of snapshots a stub buffers, a power of two.
	RingCapacity int `yaml:"ring-capacity"`

	// ExportCacheSize is the number of resolved export addresses kept.
	ExportCacheSize int `yaml:"export-cache-size"`

	Log LogConfig `yaml:"log"`
}

// LogConfig controls the diagnostics sinks
type LogConfig struct {
	Disabled bool   `yaml:"disabled"`
	Level    string `yaml:"level"`
	// Categories switches categories by name; missing ones stay enabled.
	Categories map[string]bool `yaml:"categories,omitempty"`
	// Structured adds a logrus sink writing to StructuredFile, or stderr when empty.
	Structured     bool   `yaml:"structured"`
	StructuredFile string `yaml:"structured-file,omitempty"`
	// Bot tags every entry of this controller.
	Bot string `yaml:"bot,omitempty"`
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		Module:          DefaultModule,
		PatchMode:       PatchLocal,
		ProtectRestore:  RestoreSoft,
		InjectTimeout:   DefaultInjectTimeout,
		PollInterval:    DefaultPollInterval,
		DrainGrace:      DefaultDrainGrace,
		RingCapacity:    DefaultRingCapacity,
		ExportCacheSize: DefaultExportCacheSize,
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes the config as YAML
func Save(path string, c *Config) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0644)
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Module) == "" {
		return fmt.Errorf("module must not be empty")
	}

	switch c.PatchMode {
	case PatchLocal, PatchRemote:
	default:
		return fmt.Errorf("patch-mode %q: want %q or %q", c.PatchMode, PatchLocal, PatchRemote)
	}

	switch c.ProtectRestore {
	case RestoreSoft, RestoreHard:
	default:
		return fmt.Errorf("protect-restore %q: want %q or %q", c.ProtectRestore, RestoreSoft, RestoreHard)
	}

	if c.InjectTimeout <= 0 {
		return fmt.Errorf("inject-timeout must be positive, got %v", c.InjectTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive, got %v", c.PollInterval)
	}
	if c.DrainGrace < 0 {
		return fmt.Errorf("drain-grace must not be negative, got %v", c.DrainGrace)
	}

	if c.RingCapacity < 2 || c.RingCapacity > MaxRingCapacity || c.RingCapacity&(c.RingCapacity-1) != 0 {
		return fmt.Errorf("ring-capacity %d: want a power of two in [2, %d]", c.RingCapacity, MaxRingCapacity)
	}
	if c.ExportCacheSize < 1 {
		return fmt.Errorf("export-cache-size must be at least 1, got %d", c.ExportCacheSize)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level)
	}

	return nil
}

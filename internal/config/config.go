// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// lingua.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.lingua/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete lingua configuration.
type Config struct {
	// Worker settings
	Worker WorkerConfig `toml:"worker"`

	// Generation settings
	Generation GenerationConfig `toml:"generation"`

	// Driver lifecycle settings
	Driver DriverConfig `toml:"driver"`

	// Transcript storage settings
	Storage StorageConfig `toml:"storage"`

	// UI settings
	UI UIConfig `toml:"ui"`
}

// WorkerConfig describes how the model worker process is launched.
type WorkerConfig struct {
	// Runtime is the interpreter used to run the worker script.
	Runtime string `toml:"runtime"`
	// Script is the path to the worker script.
	Script string `toml:"script"`
	// Model is the model identifier passed to the worker.
	Model string `toml:"model"`
}

// GenerationConfig contains sampling parameters for model calls.
type GenerationConfig struct {
	// MaxTokens bounds ordinary chat replies.
	MaxTokens int `toml:"max_tokens"`
	// Temperature for ordinary chat replies.
	Temperature float64 `toml:"temperature"`
	// ValidationMaxTokens bounds language-validation probe replies.
	ValidationMaxTokens int `toml:"validation_max_tokens"`
	// ValidationTemperature keeps validation answers consistent.
	ValidationTemperature float64 `toml:"validation_temperature"`
}

// DriverConfig contains worker lifecycle tuning.
type DriverConfig struct {
	// StartupTimeoutSecs bounds the wait for the worker handshake.
	StartupTimeoutSecs int `toml:"startup_timeout_secs"`
	// ReadTimeoutSecs bounds each protocol read; 0 disables the bound.
	ReadTimeoutSecs int `toml:"read_timeout_secs"`
	// ShutdownTimeoutSecs bounds the graceful-exit wait before kill.
	ShutdownTimeoutSecs int `toml:"shutdown_timeout_secs"`
	// RestartBudget is the lifetime burst of automatic worker restarts.
	RestartBudget int `toml:"restart_budget"`
	// RestartIntervalSecs is how often one restart token is regained.
	RestartIntervalSecs int `toml:"restart_interval_secs"`
}

// StorageConfig contains transcript persistence settings.
type StorageConfig struct {
	// Enabled controls whether conversations are recorded.
	Enabled bool `toml:"enabled"`
	// Path is the transcript database file (empty = ~/.lingua/transcripts.db).
	Path string `toml:"path"`
}

// UIConfig contains console output settings.
type UIConfig struct {
	// Color controls styled output: "auto", "always", "never".
	Color string `toml:"color"`
	// RenderMarkdown renders assistant replies as markdown.
	RenderMarkdown bool `toml:"render_markdown"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Runtime: "python3",
			Script:  "llm_server_py.py",
			Model:   "Qwen/Qwen2.5-3B-Instruct",
		},
		Generation: GenerationConfig{
			MaxTokens:             256,
			Temperature:           0.7,
			ValidationMaxTokens:   50,
			ValidationTemperature: 0.1,
		},
		Driver: DriverConfig{
			StartupTimeoutSecs:  60,
			ReadTimeoutSecs:     120,
			ShutdownTimeoutSecs: 5,
			RestartBudget:       3,
			RestartIntervalSecs: 300,
		},
		Storage: StorageConfig{
			Enabled: true,
			Path:    "",
		},
		UI: UIConfig{
			Color:          "auto",
			RenderMarkdown: true,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the lingua configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".lingua"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// TranscriptPath returns the transcript database path, honoring the
// configured override.
func (c *Config) TranscriptPath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "transcripts.db"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file, falling back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := LoadTOML(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
func SaveTOML(cfg *Config, path string) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	fmt.Fprintln(file, "# lingua configuration file")
	fmt.Fprintln(file, "# Generated by lingua - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Worker.Runtime == "" {
		errs = append(errs, ValidationError{
			Field:   "worker.runtime",
			Message: "must not be empty",
		})
	}
	if c.Worker.Script == "" {
		errs = append(errs, ValidationError{
			Field:   "worker.script",
			Message: "must not be empty",
		})
	}
	if c.Worker.Model == "" {
		errs = append(errs, ValidationError{
			Field:   "worker.model",
			Message: "must not be empty",
		})
	}

	if c.Generation.MaxTokens < 1 || c.Generation.MaxTokens > 32768 {
		errs = append(errs, ValidationError{
			Field:   "generation.max_tokens",
			Message: fmt.Sprintf("must be 1-32768, got %d", c.Generation.MaxTokens),
		})
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "generation.temperature",
			Message: fmt.Sprintf("must be 0.0-2.0, got %g", c.Generation.Temperature),
		})
	}
	if c.Generation.ValidationMaxTokens < 1 || c.Generation.ValidationMaxTokens > 1024 {
		errs = append(errs, ValidationError{
			Field:   "generation.validation_max_tokens",
			Message: fmt.Sprintf("must be 1-1024, got %d", c.Generation.ValidationMaxTokens),
		})
	}
	if c.Generation.ValidationTemperature < 0 || c.Generation.ValidationTemperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "generation.validation_temperature",
			Message: fmt.Sprintf("must be 0.0-2.0, got %g", c.Generation.ValidationTemperature),
		})
	}

	if c.Driver.StartupTimeoutSecs < 1 {
		errs = append(errs, ValidationError{
			Field:   "driver.startup_timeout_secs",
			Message: "must be at least 1",
		})
	}
	if c.Driver.ReadTimeoutSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "driver.read_timeout_secs",
			Message: "must be non-negative (0 disables the bound)",
		})
	}
	if c.Driver.ShutdownTimeoutSecs < 1 {
		errs = append(errs, ValidationError{
			Field:   "driver.shutdown_timeout_secs",
			Message: "must be at least 1",
		})
	}
	if c.Driver.RestartBudget < 0 {
		errs = append(errs, ValidationError{
			Field:   "driver.restart_budget",
			Message: "must be non-negative",
		})
	}

	validColors := map[string]bool{"auto": true, "always": true, "never": true}
	if !validColors[strings.ToLower(c.UI.Color)] {
		errs = append(errs, ValidationError{
			Field:   "ui.color",
			Message: fmt.Sprintf("invalid value '%s', must be one of: auto, always, never", c.UI.Color),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults sets default values for any missing or zero-value fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Worker.Runtime == "" {
		c.Worker.Runtime = defaults.Worker.Runtime
	}
	if c.Worker.Script == "" {
		c.Worker.Script = defaults.Worker.Script
	}
	if c.Worker.Model == "" {
		c.Worker.Model = defaults.Worker.Model
	}

	if c.Generation.MaxTokens == 0 {
		c.Generation.MaxTokens = defaults.Generation.MaxTokens
	}
	if c.Generation.Temperature == 0 {
		c.Generation.Temperature = defaults.Generation.Temperature
	}
	if c.Generation.ValidationMaxTokens == 0 {
		c.Generation.ValidationMaxTokens = defaults.Generation.ValidationMaxTokens
	}
	if c.Generation.ValidationTemperature == 0 {
		c.Generation.ValidationTemperature = defaults.Generation.ValidationTemperature
	}

	if c.Driver.StartupTimeoutSecs == 0 {
		c.Driver.StartupTimeoutSecs = defaults.Driver.StartupTimeoutSecs
	}
	if c.Driver.ShutdownTimeoutSecs == 0 {
		c.Driver.ShutdownTimeoutSecs = defaults.Driver.ShutdownTimeoutSecs
	}
	if c.Driver.RestartBudget == 0 {
		c.Driver.RestartBudget = defaults.Driver.RestartBudget
	}
	if c.Driver.RestartIntervalSecs == 0 {
		c.Driver.RestartIntervalSecs = defaults.Driver.RestartIntervalSecs
	}

	if c.UI.Color == "" {
		c.UI.Color = defaults.UI.Color
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - LINGUA_RUNTIME: overrides worker.runtime
//   - LINGUA_SCRIPT: overrides worker.script
//   - LINGUA_MODEL: overrides worker.model
//   - LINGUA_MAX_TOKENS: overrides generation.max_tokens
//   - LLM_SCRIPT_PATH: legacy alias for worker.script
//   - LLM_MODEL_ID: legacy alias for worker.model
//
// The LINGUA_* variables win over the legacy LLM_* ones.
func (c *Config) ApplyEnvOverrides() {
	if script := os.Getenv("LLM_SCRIPT_PATH"); script != "" {
		c.Worker.Script = script
	}
	if model := os.Getenv("LLM_MODEL_ID"); model != "" {
		c.Worker.Model = model
	}

	if runtime := os.Getenv("LINGUA_RUNTIME"); runtime != "" {
		c.Worker.Runtime = runtime
	}
	if script := os.Getenv("LINGUA_SCRIPT"); script != "" {
		c.Worker.Script = script
	}
	if model := os.Getenv("LINGUA_MODEL"); model != "" {
		c.Worker.Model = model
	}
	if maxTokens := os.Getenv("LINGUA_MAX_TOKENS"); maxTokens != "" {
		if n, err := strconv.Atoi(maxTokens); err == nil && n > 0 {
			c.Generation.MaxTokens = n
		}
	}
}

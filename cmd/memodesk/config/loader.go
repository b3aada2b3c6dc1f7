// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvAPIURL          = "MEMODESK_API_URL"
	EnvSessionsBackend = "MEMODESK_SESSIONS_BACKEND"
	EnvLogLevel        = "MEMODESK_LOG_LEVEL"
	EnvPersonality     = "MEMODESK_PERSONALITY"
	EnvMetricsAddr     = "MEMODESK_METRICS_ADDR"
	EnvTraceFile       = "MEMODESK_TRACE_FILE"
	EnvAPITimeout      = "MEMODESK_API_TIMEOUT"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultPath returns ~/.memodesk/memodesk.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".memodesk", "memodesk.yaml"), nil
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Options controls Load.
type Options struct {
	// Path is the config file. Empty means DefaultPath.
	Path string

	// EnvFiles are .env files read in order; earlier files win. Missing
	// files are ignored. Nil means ".env" in the working directory and
	// ".env" next to the config file.
	EnvFiles []string

	// Lookup reads the process environment. Default: os.LookupEnv.
	Lookup LookupFunc

	// OnCreate is called with the path when a default file is written.
	OnCreate func(path string)
}

// Load reads, layers and validates the configuration.
//
// # Description
//
// Creates the file with Default() if it does not exist, decodes it over
// the defaults so that keys missing from older files keep their default,
// applies .env files and then the process environment, and validates the
// result.
//
// # Outputs
//
//   - Config: The effective configuration.
//   - error: Read, parse, environment or validation error.
func Load(opts Options) (Config, error) {
	path := opts.Path
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return Config{}, err
		}
		if opts.OnCreate != nil {
			opts.OnCreate(path)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env", filepath.Join(filepath.Dir(path), ".env")}
	}
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	dotenv, err := readEnvFiles(envFiles)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(layered(lookup, dotenv)); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field constraint.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Save writes c to path, creating the directory.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func createDefault(path string) error {
	return Default().Save(path)
}

func readEnvFiles(paths []string) (map[string]string, error) {
	merged := make(map[string]string)
	for i := len(paths) - 1; i >= 0; i-- {
		values, err := godotenv.Read(paths[i])
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", paths[i], err)
		}
		for k, v := range values {
			merged[k] = v
		}
	}
	return merged, nil
}

// layered prefers the process environment over .env values.
func layered(lookup LookupFunc, dotenv map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	strs := map[string]*string{
		EnvAPIURL:          &c.API.URL,
		EnvSessionsBackend: &c.Sessions.Backend,
		EnvLogLevel:        &c.Logging.Level,
		EnvPersonality:     &c.UI.Personality,
		EnvMetricsAddr:     &c.Observability.MetricsAddr,
		EnvTraceFile:       &c.Observability.TraceFile,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvAPITimeout); ok {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAPITimeout, err)
		}
		c.API.Timeout = d
	}
	return nil
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

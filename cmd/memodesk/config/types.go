// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the memodesk configuration file.
//
// The file lives at ~/.memodesk/memodesk.yaml and is created with defaults
// on first run. Values are layered, later layers winning:
//
//	defaults ──► memodesk.yaml ──► .env files ──► process environment
//
// Command-line flags are applied on top by the caller.
package config

import (
	"time"
)

// CurrentConfigVersion is written into newly created files.
const CurrentConfigVersion = "1"

// Session backends.
const (
	BackendRemote = "remote"
	BackendLocal  = "local"
)

// Config is the complete memodesk configuration.
type Config struct {
	Meta          MetaConfig          `yaml:"meta"`
	API           APIConfig           `yaml:"api" validate:"required"`
	Sessions      SessionsConfig      `yaml:"sessions" validate:"required"`
	Progress      ProgressConfig      `yaml:"progress"`
	Watch         WatchConfig         `yaml:"watch"`
	Logging       LoggingConfig       `yaml:"logging"`
	UI            UIConfig            `yaml:"ui"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type MetaConfig struct {
	Version string `yaml:"version"`
}

// APIConfig locates the document Q&A service.
type APIConfig struct {
	// URL is the API root including the version prefix.
	URL string `yaml:"url" validate:"required,url"`

	// Timeout bounds non-streaming requests.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// SuggestionTTL is how long suggested questions are cached.
	SuggestionTTL time.Duration `yaml:"suggestion_ttl" validate:"gte=0"`
}

// SessionsConfig selects where conversations are saved.
type SessionsConfig struct {
	// Backend is "remote" (the service's session API) or "local" (an
	// on-disk store for offline use).
	Backend string `yaml:"backend" validate:"oneof=remote local"`

	// LocalPath is the directory of the local store. Supports ~.
	LocalPath string `yaml:"local_path" validate:"required_if=Backend local"`

	// WriteTimeout bounds each background write.
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

type ProgressConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gte=0"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" validate:"gte=0"`
}

type WatchConfig struct {
	Debounce       time.Duration `yaml:"debounce" validate:"gte=0"`
	UploadExisting bool          `yaml:"upload_existing"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`

	// Dir enables the rotating log file. Supports ~. Empty disables it.
	Dir string `yaml:"dir"`
}

type UIConfig struct {
	// Personality is one of full, standard, minimal, machine.
	Personality string `yaml:"personality" validate:"oneof=full standard minimal machine"`

	// Stream selects the streaming answer endpoint.
	Stream bool `yaml:"stream"`
}

type ObservabilityConfig struct {
	// MetricsAddr serves /metrics when set, e.g. "127.0.0.1:9464".
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`

	// TraceFile receives exported spans as JSON when set. Supports ~.
	TraceFile string `yaml:"trace_file"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		Meta: MetaConfig{Version: CurrentConfigVersion},
		API: APIConfig{
			URL:           "http://localhost:8000/api/v1",
			Timeout:       120 * time.Second,
			SuggestionTTL: 5 * time.Minute,
		},
		Sessions: SessionsConfig{
			Backend:      BackendRemote,
			LocalPath:    "~/.memodesk/sessions",
			WriteTimeout: 10 * time.Second,
		},
		Progress: ProgressConfig{
			PollInterval:      5 * time.Second,
			ReconnectInterval: time.Second,
		},
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.memodesk/logs",
		},
		UI: UIConfig{
			Personality: "standard",
			Stream:      true,
		},
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads engine configuration from an optional YAML (or
// JSON) file with DOCFLOW_* environment overrides on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	// Server contains HTTP listener settings.
	Server ServerConfig `json:"server" yaml:"server"`

	// Store contains state store settings.
	Store StoreConfig `json:"store" yaml:"store"`

	// Workflows contains workflow definition source settings.
	Workflows WorkflowConfig `json:"workflows" yaml:"workflows"`

	// Services contains downstream document service settings.
	Services ServicesConfig `json:"services" yaml:"services"`

	// Engine contains traversal and formula settings.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Observability contains tracing and logging settings.
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
}

// StoreConfig contains state store settings.
type StoreConfig struct {
	// Path is the on-disk database directory. Empty selects an
	// in-memory store, which loses all state on restart.
	Path string `json:"path" yaml:"path"`
}

// WorkflowConfig contains workflow definition source settings.
type WorkflowConfig struct {
	// Dir is the directory of workflow YAML files, one per workflow.
	// Files are watched and hot-reloaded on change.
	Dir string `json:"dir" yaml:"dir"`
}

// ServicesConfig contains downstream document service settings.
type ServicesConfig struct {
	ExtractionURL     string        `json:"extraction_url" yaml:"extraction_url"`
	ClassificationURL string        `json:"classification_url" yaml:"classification_url"`
	SplittingURL      string        `json:"splitting_url" yaml:"splitting_url"`
	DocumentsURL      string        `json:"documents_url" yaml:"documents_url"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`

	// HTTPRateLimit throttles http node calls, requests per second.
	// Zero or negative means unlimited.
	HTTPRateLimit float64 `json:"http_rate_limit" yaml:"http_rate_limit"`
}

// EngineConfig contains traversal and formula settings.
type EngineConfig struct {
	// FormulaTimeout bounds a single formula evaluation.
	FormulaTimeout time.Duration `json:"formula_timeout" yaml:"formula_timeout"`
}

// ObservabilityConfig contains tracing and logging settings.
type ObservabilityConfig struct {
	TracingEnabled bool   `json:"tracing_enabled" yaml:"tracing_enabled"`
	OTLPEndpoint   string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName    string `json:"service_name" yaml:"service_name"`
	LogLevel       string `json:"log_level" yaml:"log_level"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8090",
		},
		Store: StoreConfig{
			Path: "/var/lib/docflow/state",
		},
		Workflows: WorkflowConfig{
			Dir: "/etc/docflow/workflows",
		},
		Services: ServicesConfig{
			ExtractionURL:     "http://localhost:8091",
			ClassificationURL: "http://localhost:8092",
			SplittingURL:      "http://localhost:8093",
			DocumentsURL:      "http://localhost:8094",
			Timeout:           30 * time.Second,
			HTTPRateLimit:     10,
		},
		Engine: EngineConfig{
			FormulaTimeout: 250 * time.Millisecond,
		},
		Observability: ObservabilityConfig{
			TracingEnabled: false,
			ServiceName:    "docflow-engine",
			LogLevel:       "info",
		},
	}
}

// Load reads configuration in priority order: defaults, then the file
// at path (missing file is fine), then DOCFLOW_* environment
// variables.
func Load(path string) (Config, error) {
	config := Default()

	if path != "" {
		if err := loadConfigFile(path, &config); err != nil {
			return config, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	loadConfigFromEnv(&config)

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		if jsonErr := json.Unmarshal(data, config); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadConfigFromEnv(config *Config) {
	if v := os.Getenv("DOCFLOW_LISTEN_ADDR"); v != "" {
		config.Server.ListenAddr = v
	}
	if v := os.Getenv("DOCFLOW_STORE_PATH"); v != "" {
		config.Store.Path = v
	}
	if v := os.Getenv("DOCFLOW_WORKFLOW_DIR"); v != "" {
		config.Workflows.Dir = v
	}
	if v := os.Getenv("DOCFLOW_EXTRACTION_URL"); v != "" {
		config.Services.ExtractionURL = v
	}
	if v := os.Getenv("DOCFLOW_CLASSIFICATION_URL"); v != "" {
		config.Services.ClassificationURL = v
	}
	if v := os.Getenv("DOCFLOW_SPLITTING_URL"); v != "" {
		config.Services.SplittingURL = v
	}
	if v := os.Getenv("DOCFLOW_DOCUMENTS_URL"); v != "" {
		config.Services.DocumentsURL = v
	}
	if v := os.Getenv("DOCFLOW_SERVICE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Services.Timeout = d
		}
	}
	if v := os.Getenv("DOCFLOW_HTTP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Services.HTTPRateLimit = f
		}
	}
	if v := os.Getenv("DOCFLOW_FORMULA_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Engine.FormulaTimeout = d
		}
	}
	if v := os.Getenv("DOCFLOW_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Observability.TracingEnabled = b
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		config.Observability.OTLPEndpoint = v
	}
	if v := os.Getenv("DOCFLOW_LOG_LEVEL"); v != "" {
		config.Observability.LogLevel = v
	}
}

// Validate checks the configuration for impossible values.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.Workflows.Dir == "" {
		return fmt.Errorf("workflows.dir must not be empty")
	}
	if c.Engine.FormulaTimeout <= 0 {
		return fmt.Errorf("engine.formula_timeout must be positive, got %s", c.Engine.FormulaTimeout)
	}
	if c.Services.Timeout <= 0 {
		return fmt.Errorf("services.timeout must be positive, got %s", c.Services.Timeout)
	}
	if c.Observability.TracingEnabled && c.Observability.OTLPEndpoint == "" {
		return fmt.Errorf("observability.otlp_endpoint required when tracing is enabled")
	}
	return nil
}

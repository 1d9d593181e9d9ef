// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging configures structured logging for docflow processes.
//
// Built on the standard library slog package. Output format follows
// the destination: human-readable text on a terminal, JSON everywhere
// else (container logs, files, pipes), so log shippers always receive
// machine-parseable lines without any flag juggling.
//
// Basic usage:
//
//	logger, err := logging.New(logging.Config{Level: "info", Service: "engine"})
//	if err != nil { ... }
//	logger.Info("run started", "run_id", runID)
//
// Thread Safety: the returned *slog.Logger is safe for concurrent use.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// Config controls logger construction. The zero value logs at info
// level to stderr.
type Config struct {
	// Level is the minimum severity: "debug", "info", "warn", "error".
	// Empty means "info".
	Level string

	// Service is attached to every record as the "service" attribute.
	Service string

	// LogDir, when set, additionally writes JSON logs to
	// {LogDir}/{Service}_{date}.log. The directory is created if
	// missing.
	LogDir string

	// ForceJSON emits JSON even on a terminal.
	ForceJSON bool
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// New builds a logger per the config and installs it as the slog
// default, so package-level slog calls in handlers share the same
// sinks.
func New(cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	if cfg.LogDir != "" {
		dir, err := expandHome(cfg.LogDir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %s: %w", dir, err)
		}
		name := fmt.Sprintf("%s_%s.log", serviceName(cfg), time.Now().UTC().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if !cfg.ForceJSON && cfg.LogDir == "" && isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler).With("service", serviceName(cfg))
	slog.SetDefault(logger)
	return logger, nil
}

func serviceName(cfg Config) string {
	if cfg.Service == "" {
		return "docflow"
	}
	return cfg.Service
}

func expandHome(dir string) (string, error) {
	if !strings.HasPrefix(dir, "~") {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", dir, err)
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~")), nil
}

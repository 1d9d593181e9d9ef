// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docflowio/docflow/pkg/logging"
	"github.com/docflowio/docflow/services/engine/config"
	"github.com/docflowio/docflow/services/engine/store"
)

// runSweep fails stale in-flight executions and runs without starting
// the server, for operators repairing a store offline.
func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		Level:   cfg.Observability.LogLevel,
		Service: "docflow-sweep",
	})
	if err != nil {
		return err
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must be set: an in-memory store has nothing to sweep")
	}

	storeCfg := store.DefaultConfig()
	storeCfg.Path = cfg.Store.Path
	st, err := store.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() { _ = st.Close() }()

	execs, runs, err := st.SweepStale(cmd.Context())
	if err != nil {
		return err
	}
	logger.Info("sweep finished", "executions_failed", execs, "runs_failed", runs)
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the engine's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine-level Prometheus instruments.
type Metrics struct {
	// StepsTotal counts node visits by node kind and terminal log
	// status.
	StepsTotal *prometheus.CounterVec

	// StepDuration observes node processing time by node kind.
	StepDuration *prometheus.HistogramVec

	// HeldDocuments tracks documents currently suspended, by hold
	// kind.
	HeldDocuments *prometheus.GaugeVec

	// RunsTotal counts finished runs by terminal status.
	RunsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics builds the instrument set on a fresh registry, with the
// standard Go and process collectors included.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docflow",
			Name:      "steps_total",
			Help:      "Node visits by node kind and terminal log status.",
		}, []string{"kind", "status"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docflow",
			Name:      "step_duration_seconds",
			Help:      "Node processing time by node kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		HeldDocuments: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "docflow",
			Name:      "held_documents",
			Help:      "Documents currently suspended, by hold kind.",
		}, []string{"hold_kind"}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docflow",
			Name:      "runs_total",
			Help:      "Finished workflow runs by terminal status.",
		}, []string{"status"}),
		registry: registry,
	}
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

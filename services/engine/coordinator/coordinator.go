// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator drives workflow runs: it pops (document, node)
// steps off cooperative FIFO queues, dispatches them to node
// processors, persists every log transition, and enqueues successors
// per the processor's outcome.
//
// One goroutine drives each StartRun or ResumeExecution call end to
// end. Processor calls may block on external I/O; that suspends only
// the document currently advancing.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/docflowio/docflow/services/engine/clients"
	"github.com/docflowio/docflow/services/engine/datatypes"
	"github.com/docflowio/docflow/services/engine/graph"
	"github.com/docflowio/docflow/services/engine/observability"
	"github.com/docflowio/docflow/services/engine/processor"
	"github.com/docflowio/docflow/services/engine/store"
)

var (
	tracer = otel.Tracer("docflow.coordinator")
	meter  = otel.Meter("docflow.coordinator")
)

// Coordinator owns run and execution state transitions.
//
// Thread Safety: safe for concurrent use. The state store is the only
// shared mutable resource; reconciliation serialization lives inside
// the reconciliation processor.
type Coordinator struct {
	store    *store.Store
	graphs   clients.GraphStore
	docs     clients.DocumentStore
	registry *processor.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger

	// OTel instruments (initialized lazily)
	metricsOnce sync.Once
	runLatency  metric.Float64Histogram
	stepLatency metric.Float64Histogram
}

// initMetrics lazily creates the OTel instruments. Creation errors are
// logged and the instrument stays nil; recording checks for nil, so a
// misconfigured meter provider degrades to spans-only.
func (c *Coordinator) initMetrics() {
	c.metricsOnce.Do(func() {
		var err error
		c.runLatency, err = meter.Float64Histogram("workflow_run_duration_seconds",
			metric.WithDescription("Wall time from run start to quiescence"),
			metric.WithUnit("s"),
		)
		if err != nil {
			c.logger.Warn("metric init failed", "metric", "workflow_run_duration_seconds", "error", err)
		}
		c.stepLatency, err = meter.Float64Histogram("workflow_step_duration_seconds",
			metric.WithDescription("Time spent in one node processor call"),
			metric.WithUnit("s"),
		)
		if err != nil {
			c.logger.Warn("metric init failed", "metric", "workflow_step_duration_seconds", "error", err)
		}
	})
}

// New creates a Coordinator.
//
// Inputs:
//
//	st - Execution state store. Must not be nil.
//	graphs - Workflow definition source. Must not be nil.
//	docs - Document record store. Must not be nil.
//	registry - Node processor registry. Must not be nil.
//	metrics - Prometheus instruments. Nil disables them.
//	logger - Logger. Nil uses slog.Default().
func New(st *store.Store, graphs clients.GraphStore, docs clients.DocumentStore,
	registry *processor.Registry, metrics *observability.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    st,
		graphs:   graphs,
		docs:     docs,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// workItem is one document with its pending inner-queue steps.
type workItem struct {
	exec  *datatypes.DocumentExecution
	steps []graph.Step
}

// StartRun snapshots the workflow graph, seeds one execution per
// document, and drives the run to quiescence.
//
// Outputs:
//
//	string - The new run id.
//	error - Non-nil when the run could not be created at all. Individual
//	        document failures do not fail the call; they surface in the
//	        run status.
func (c *Coordinator) StartRun(ctx context.Context, workflowID string, documents []datatypes.StartRunDocument) (string, error) {
	if len(documents) == 0 {
		return "", ErrNoDocuments
	}

	c.initMetrics()
	started := time.Now()
	ctx, span := tracer.Start(ctx, "coordinator.StartRun",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.Int("documents", len(documents)),
		))
	defer span.End()
	defer func() {
		if c.runLatency != nil {
			c.runLatency.Record(ctx, time.Since(started).Seconds(),
				metric.WithAttributes(attribute.String("workflow.id", workflowID)))
		}
	}()

	g, err := c.graphs.Graph(ctx, workflowID)
	if err != nil {
		return "", fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	idx, err := graph.New(g)
	if err != nil {
		return "", fmt.Errorf("workflow %s: %w", workflowID, err)
	}

	// The run record carries its own graph snapshot; later edits to the
	// workflow definition never touch a running run.
	run := &datatypes.WorkflowRun{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     datatypes.RunRunning,
		Graph:      g,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("run.id", run.ID))
	c.logger.Info("run started", "run_id", run.ID, "workflow_id", workflowID, "documents", len(documents))

	roots := idx.Roots(g)
	queue := make([]workItem, 0, len(documents))
	for _, d := range documents {
		item, err := c.seedDocument(ctx, run.ID, idx, roots, d)
		if err != nil {
			return "", err
		}
		if item != nil {
			queue = append(queue, *item)
		}
	}

	if err := c.drive(ctx, idx, queue); err != nil {
		return run.ID, err
	}
	return run.ID, c.finalizeRun(ctx, run.ID)
}

// seedDocument creates the initial execution for one requested
// document. Returns nil when the execution cannot be queued (orphaned
// entry node, document fetch failure); those end terminal immediately.
func (c *Coordinator) seedDocument(ctx context.Context, runID string, idx *graph.Index, roots []string, d datatypes.StartRunDocument) (*workItem, error) {
	exec := &datatypes.DocumentExecution{
		ID:          uuid.NewString(),
		RunID:       runID,
		StartNodeID: d.StartNodeID,
		Status:      datatypes.ExecutionPending,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	metadata := map[string]any{}
	if d.DocumentID != "" {
		doc, err := c.docs.Get(ctx, d.DocumentID)
		if err != nil {
			exec.Status = datatypes.ExecutionFailed
			exec.Error = fmt.Sprintf("load document %s: %v", d.DocumentID, err)
			return nil, c.store.CreateExecution(ctx, exec)
		}
		exec.DocumentID = &doc.ID
		metadata = datatypes.CloneMetadata(doc.Metadata)
	}
	exec.Metadata = metadata

	entries := roots
	if d.StartNodeID != "" {
		if _, ok := idx.Node(d.StartNodeID); !ok {
			exec.Status = datatypes.ExecutionOrphaned
			exec.OrphanedNodeName = d.StartNodeID
			return nil, c.store.CreateExecution(ctx, exec)
		}
		entries = []string{d.StartNodeID}
	}

	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return &workItem{exec: exec, steps: graph.Seed(entries, metadata)}, nil
}

// ResumeExecution wakes a held or unrouted document and re-enters the
// work loop from the given node, draining any fan-out or
// released-document side effects exactly like a top-level run.
func (c *Coordinator) ResumeExecution(ctx context.Context, execID, fromNodeID, runID, port string) error {
	c.initMetrics()
	ctx, span := tracer.Start(ctx, "coordinator.ResumeExecution",
		trace.WithAttributes(
			attribute.String("execution.id", execID),
			attribute.String("node.id", fromNodeID),
		))
	defer span.End()

	exec, err := c.store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if exec.RunID != runID {
		return fmt.Errorf("%w: execution %s belongs to run %s", ErrRunMismatch, execID, exec.RunID)
	}
	if exec.Status != datatypes.ExecutionHeld && exec.Status != datatypes.ExecutionUnrouted {
		return fmt.Errorf("%w: execution %s is %s", ErrNotResumable, execID, exec.Status)
	}

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	idx, err := graph.New(run.Graph)
	if err != nil {
		return err
	}
	if _, ok := idx.Node(fromNodeID); !ok {
		exec.Status = datatypes.ExecutionOrphaned
		exec.OrphanedNodeName = fromNodeID
		if err := c.store.UpdateExecution(ctx, exec); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrOrphaned, fromNodeID)
	}

	effectivePort := port
	if effectivePort == "" {
		effectivePort = datatypes.PortDefault
	}
	edges := idx.Successors(fromNodeID, effectivePort)
	if len(edges) == 0 && idx.HasOutgoing(fromNodeID) {
		return fmt.Errorf("%w: node %s port %q", ErrPortDeadEnd, fromNodeID, effectivePort)
	}

	c.releaseGauge(exec)
	exec.Status = datatypes.ExecutionProcessing
	exec.HoldKind = ""
	exec.UnroutedPort = ""
	if err := c.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	c.logger.Info("execution resumed",
		"execution_id", execID, "from_node", fromNodeID, "port", effectivePort)

	if len(edges) == 0 {
		// Terminal node: resuming past it completes the document.
		exec.Status = datatypes.ExecutionCompleted
		if err := c.store.UpdateExecution(ctx, exec); err != nil {
			return err
		}
		return c.finalizeRun(ctx, runID)
	}

	steps := make([]graph.Step, 0, len(edges))
	for _, e := range edges {
		steps = append(steps, graph.Step{
			NodeID:   e.TargetNodeID,
			Metadata: datatypes.CloneMetadata(exec.Metadata),
		})
	}
	if err := c.drive(ctx, idx, []workItem{{exec: exec, steps: steps}}); err != nil {
		return err
	}
	return c.finalizeRun(ctx, runID)
}

// releaseGauge decrements the held-documents gauge for a waking
// execution.
func (c *Coordinator) releaseGauge(exec *datatypes.DocumentExecution) {
	if c.metrics == nil {
		return
	}
	switch exec.Status {
	case datatypes.ExecutionHeld:
		kind := exec.HoldKind
		if kind == "" {
			kind = "unknown"
		}
		c.metrics.HeldDocuments.WithLabelValues(kind).Dec()
	case datatypes.ExecutionUnrouted:
		c.metrics.HeldDocuments.WithLabelValues("unrouted").Dec()
	}
}

// finalizeRun derives the run's terminal status from its executions.
//
// Description:
//
//	Failed if any execution failed; completed otherwise. An execution
//	still pending or processing here is a consistency violation: it is
//	logged loudly and fails the run rather than being repaired.
func (c *Coordinator) finalizeRun(ctx context.Context, runID string) error {
	execs, err := c.store.ListExecutionsByRun(ctx, runID)
	if err != nil {
		return err
	}

	anyFailed := false
	var violations []string
	for _, exec := range execs {
		switch exec.Status {
		case datatypes.ExecutionFailed:
			anyFailed = true
		case datatypes.ExecutionPending, datatypes.ExecutionProcessing:
			violations = append(violations, exec.ID)
		}
	}

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	switch {
	case len(violations) > 0:
		c.logger.Error("run finalize found non-terminal executions",
			"run_id", runID, "executions", violations)
		run.Status = datatypes.RunFailed
		run.Error = fmt.Sprintf("consistency violation: %d execution(s) neither terminal nor held", len(violations))
	case anyFailed:
		run.Status = datatypes.RunFailed
	default:
		run.Status = datatypes.RunCompleted
	}
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	}
	c.logger.Info("run finished", "run_id", runID, "status", run.Status)
	return nil
}

// SweepStale runs the startup crash sweep. Failures are logged and
// swallowed; the sweep never blocks startup.
func (c *Coordinator) SweepStale(ctx context.Context) {
	execs, runs, err := c.store.SweepStale(ctx)
	if err != nil {
		c.logger.Error("startup sweep failed", "error", err)
		return
	}
	if execs > 0 || runs > 0 {
		c.logger.Warn("startup sweep failed stale work",
			"executions_failed", execs, "runs_failed", runs)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/docflowio/docflow/services/engine/clients"
	"github.com/docflowio/docflow/services/engine/datatypes"
	"github.com/docflowio/docflow/services/engine/graph"
	"github.com/docflowio/docflow/services/engine/processor"
)

// drive drains the outer work queue to quiescence.
//
// Description:
//
//	Pops one workItem at a time and advances its document until it
//	rests; documents spawned along the way (fan-out children, released
//	reconciliation peers) are appended to the back of the queue, so
//	sibling documents interleave at workItem granularity, not step
//	granularity. Only errors from the state store itself abort the
//	drain; processor errors are absorbed into the failing execution.
func (c *Coordinator) drive(ctx context.Context, idx *graph.Index, queue []workItem) error {
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		spawned, err := c.advance(ctx, idx, item)
		if err != nil {
			return err
		}
		queue = append(queue, spawned...)
	}
	return nil
}

// advance walks one document through its inner step queue until the
// queue drains or the document reaches a resting state.
//
// Outputs:
//
//	[]workItem - Documents spawned during the walk, for the caller's
//	             outer queue.
//	error - Non-nil only for state-store failures.
func (c *Coordinator) advance(ctx context.Context, idx *graph.Index, item workItem) ([]workItem, error) {
	exec := item.exec
	steps := item.steps
	var spawned []workItem

	for len(steps) > 0 {
		step := steps[0]
		steps = steps[1:]

		out, node, seq, err := c.runStep(ctx, idx, exec, step)
		if err != nil {
			return spawned, err
		}
		if out == nil {
			// Processor error, already recorded. The document is failed;
			// nothing else about the run is affected.
			return spawned, nil
		}

		next := out.Metadata
		if next == nil {
			next = step.Metadata
		}
		exec.Metadata = next

		switch out.Decision {
		case processor.DecisionHold:
			if err := c.closeLog(ctx, node.Kind, exec.ID, seq, datatypes.LogHeld, next, ""); err != nil {
				return spawned, err
			}
			exec.Status = datatypes.ExecutionHeld
			exec.HoldKind = out.HoldKind
			exec.UpdatedAt = time.Now().UTC()
			if err := c.store.UpdateExecution(ctx, exec); err != nil {
				return spawned, err
			}
			if c.metrics != nil {
				c.metrics.HeldDocuments.WithLabelValues(out.HoldKind).Inc()
			}
			c.logger.Info("execution held",
				"execution_id", exec.ID, "node_id", step.NodeID, "hold_kind", out.HoldKind)

			rel, err := c.wakeReleased(ctx, idx, exec.RunID, step.NodeID, out)
			if err != nil {
				return spawned, err
			}
			return append(spawned, rel...), nil

		case processor.DecisionFanout:
			if err := c.closeLog(ctx, node.Kind, exec.ID, seq, datatypes.LogCompleted, next, ""); err != nil {
				return spawned, err
			}
			children, err := c.seedFanout(ctx, idx, exec, step.NodeID, out)
			if err != nil {
				return spawned, err
			}
			spawned = append(spawned, children...)
			// The parent document ends here regardless of remaining steps;
			// its content now lives in the children.
			exec.Status = datatypes.ExecutionCompleted
			exec.UpdatedAt = time.Now().UTC()
			return spawned, c.store.UpdateExecution(ctx, exec)

		default: // DecisionContinue
			port := out.OutputPort
			if port == "" {
				port = datatypes.PortDefault
			}
			edges := idx.Successors(step.NodeID, port)
			if len(edges) == 0 && idx.HasOutgoing(step.NodeID) {
				if err := c.closeLog(ctx, node.Kind, exec.ID, seq, datatypes.LogUnrouted, next, ""); err != nil {
					return spawned, err
				}
				exec.Status = datatypes.ExecutionUnrouted
				exec.UnroutedPort = port
				exec.UpdatedAt = time.Now().UTC()
				if err := c.store.UpdateExecution(ctx, exec); err != nil {
					return spawned, err
				}
				if c.metrics != nil {
					c.metrics.HeldDocuments.WithLabelValues("unrouted").Inc()
				}
				c.logger.Warn("execution unrouted",
					"execution_id", exec.ID, "node_id", step.NodeID, "port", port,
					"node_name", node.Name)
				rel, err := c.wakeReleased(ctx, idx, exec.RunID, step.NodeID, out)
				if err != nil {
					return spawned, err
				}
				return append(spawned, rel...), nil
			}
			if err := c.closeLog(ctx, node.Kind, exec.ID, seq, datatypes.LogCompleted, next, ""); err != nil {
				return spawned, err
			}
			for _, e := range edges {
				steps = append(steps, graph.Step{
					NodeID:   e.TargetNodeID,
					Metadata: datatypes.CloneMetadata(next),
				})
			}
			rel, err := c.wakeReleased(ctx, idx, exec.RunID, step.NodeID, out)
			if err != nil {
				return spawned, err
			}
			spawned = append(spawned, rel...)
		}
	}

	exec.Status = datatypes.ExecutionCompleted
	exec.UpdatedAt = time.Now().UTC()
	return spawned, c.store.UpdateExecution(ctx, exec)
}

// runStep persists the processing transition, opens the log row, and
// dispatches the node's processor.
//
// Outputs:
//
//	*processor.Outcome - Nil when the processor (or its lookup) failed;
//	                     the execution is already marked failed.
//	datatypes.WorkflowNode - The visited node.
//	int - The log row Seq, for the closing transition.
//	error - Non-nil only for state-store failures.
func (c *Coordinator) runStep(ctx context.Context, idx *graph.Index, exec *datatypes.DocumentExecution, step graph.Step) (*processor.Outcome, datatypes.WorkflowNode, int, error) {
	node, ok := idx.Node(step.NodeID)
	if !ok {
		// Edges are validated at snapshot time, so this only fires for a
		// stale seed. Same treatment as a missing entry node.
		exec.Status = datatypes.ExecutionOrphaned
		exec.OrphanedNodeName = step.NodeID
		exec.UpdatedAt = time.Now().UTC()
		return nil, node, 0, c.store.UpdateExecution(ctx, exec)
	}

	exec.Status = datatypes.ExecutionProcessing
	exec.CurrentNodeID = step.NodeID
	exec.Metadata = step.Metadata
	exec.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateExecution(ctx, exec); err != nil {
		return nil, node, 0, err
	}

	logRow := &datatypes.NodeExecutionLog{
		ID:            uuid.NewString(),
		ExecutionID:   exec.ID,
		RunID:         exec.RunID,
		NodeID:        node.ID,
		NodeName:      node.Name,
		InputMetadata: datatypes.CloneMetadata(step.Metadata),
	}
	if err := c.store.OpenLog(ctx, logRow); err != nil {
		return nil, node, 0, err
	}

	ctx, span := tracer.Start(ctx, "coordinator.step",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.kind", string(node.Kind)),
			attribute.String("execution.id", exec.ID),
		))
	defer span.End()

	docID := ""
	if exec.DocumentID != nil {
		docID = *exec.DocumentID
	}
	in := &processor.Input{
		Node:        node,
		Metadata:    datatypes.CloneMetadata(step.Metadata),
		RunID:       exec.RunID,
		ExecutionID: exec.ID,
		DocumentID:  docID,
	}

	started := time.Now()
	p, err := c.registry.Get(node.Kind)
	var out *processor.Outcome
	if err == nil {
		out, err = p.Process(ctx, in)
	}
	if c.metrics != nil {
		c.metrics.StepDuration.WithLabelValues(string(node.Kind)).Observe(time.Since(started).Seconds())
	}
	if c.stepLatency != nil {
		c.stepLatency.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("node.kind", string(node.Kind))))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if closeErr := c.closeLog(ctx, node.Kind, exec.ID, logRow.Seq, datatypes.LogFailed, nil, err.Error()); closeErr != nil {
			return nil, node, 0, closeErr
		}
		exec.Status = datatypes.ExecutionFailed
		exec.Error = err.Error()
		exec.UpdatedAt = time.Now().UTC()
		c.logger.Error("node processor failed",
			"execution_id", exec.ID, "node_id", node.ID, "node_kind", node.Kind, "error", err)
		return nil, node, 0, c.store.UpdateExecution(ctx, exec)
	}

	return out, node, logRow.Seq, nil
}

// closeLog ends the open log row and counts the visit under its
// terminal status.
func (c *Coordinator) closeLog(ctx context.Context, kind datatypes.NodeKind, execID string, seq int, status datatypes.LogStatus, output map[string]any, errText string) error {
	if err := c.store.CloseLog(ctx, execID, seq, status, output, errText); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.StepsTotal.WithLabelValues(string(kind), string(status)).Inc()
	}
	return nil
}

// seedFanout creates one document record and execution per
// sub-document, seeded at the fan-out node's successors (default port,
// so every outgoing edge).
func (c *Coordinator) seedFanout(ctx context.Context, idx *graph.Index, parent *datatypes.DocumentExecution, nodeID string, out *processor.Outcome) ([]workItem, error) {
	edges := idx.Successors(nodeID, datatypes.PortDefault)
	targets := make([]string, 0, len(edges))
	for _, e := range edges {
		targets = append(targets, e.TargetNodeID)
	}

	items := make([]workItem, 0, len(out.SubDocuments))
	for _, sub := range out.SubDocuments {
		md := datatypes.CloneMetadata(sub.Content)
		if md == nil {
			md = map[string]any{}
		}
		if sub.Label != "" {
			md["split_label"] = sub.Label
		}

		child := &datatypes.DocumentExecution{
			ID:        uuid.NewString(),
			RunID:     parent.RunID,
			Status:    datatypes.ExecutionPending,
			Metadata:  md,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		if c.docs != nil {
			doc, err := c.docs.Create(ctx, &clients.Document{Metadata: md})
			if err != nil {
				child.Status = datatypes.ExecutionFailed
				child.Error = err.Error()
				if err := c.store.CreateExecution(ctx, child); err != nil {
					return items, err
				}
				continue
			}
			child.DocumentID = &doc.ID
		}
		if err := c.store.CreateExecution(ctx, child); err != nil {
			return items, err
		}
		items = append(items, workItem{exec: child, steps: graph.Seed(targets, md)})
	}
	c.logger.Info("fan-out seeded",
		"parent_execution_id", parent.ID, "node_id", nodeID, "children", len(items))
	return items, nil
}

// wakeReleased flips executions named by the outcome from held back to
// processing and queues them along the same node's matched edges.
func (c *Coordinator) wakeReleased(ctx context.Context, idx *graph.Index, runID, nodeID string, out *processor.Outcome) ([]workItem, error) {
	if len(out.ReleasedExecutions) == 0 {
		return nil, nil
	}

	port := out.OutputPort
	if port == "" {
		port = datatypes.PortDefault
	}
	edges := idx.Successors(nodeID, port)

	var items []workItem
	for _, execID := range out.ReleasedExecutions {
		rel, err := c.store.GetExecution(ctx, execID)
		if err != nil {
			return items, err
		}
		if rel.Status != datatypes.ExecutionHeld {
			c.logger.Warn("released execution not held, skipping",
				"execution_id", execID, "status", rel.Status)
			continue
		}
		if rel.RunID != runID {
			// Cross-run reconciliation release. The document still
			// advances; only the triggering run is finalized here.
			c.logger.Info("releasing execution from another run",
				"execution_id", execID, "run_id", rel.RunID)
		}
		c.releaseGauge(rel)
		rel.Status = datatypes.ExecutionProcessing
		rel.HoldKind = ""
		rel.UpdatedAt = time.Now().UTC()
		if err := c.store.UpdateExecution(ctx, rel); err != nil {
			return items, err
		}

		steps := make([]graph.Step, 0, len(edges))
		for _, e := range edges {
			steps = append(steps, graph.Step{
				NodeID:   e.TargetNodeID,
				Metadata: datatypes.CloneMetadata(rel.Metadata),
			})
		}
		items = append(items, workItem{exec: rel, steps: steps})
	}
	return items, nil
}

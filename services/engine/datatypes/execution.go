// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle status of a DocumentExecution.
type ExecutionStatus string

const (
	// ExecutionPending indicates the execution is queued but not started.
	ExecutionPending ExecutionStatus = "pending"

	// ExecutionProcessing indicates the execution is actively advancing.
	ExecutionProcessing ExecutionStatus = "processing"

	// ExecutionHeld indicates the execution is suspended awaiting data or
	// human action. Held executions are absent from every work queue.
	ExecutionHeld ExecutionStatus = "held"

	// ExecutionUnrouted indicates the execution stopped at a node whose
	// outgoing edges did not match the emitted port.
	ExecutionUnrouted ExecutionStatus = "unrouted"

	// ExecutionCompleted indicates the execution drained its step queue.
	ExecutionCompleted ExecutionStatus = "completed"

	// ExecutionFailed indicates a processor error ended the traversal.
	ExecutionFailed ExecutionStatus = "failed"

	// ExecutionOrphaned indicates the execution references a node that no
	// longer exists in the run's graph snapshot.
	ExecutionOrphaned ExecutionStatus = "orphaned"
)

// Terminal reports whether the status is a resting state, i.e. the
// execution is not on any work queue.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionHeld, ExecutionUnrouted, ExecutionOrphaned:
		return true
	}
	return false
}

// DocumentExecution is one document's journey through one workflow run.
//
// Description:
//
//	Created at run start, by splitting fan-out, or by an external
//	trigger. Mutated only by the Run Coordinator. Never deleted except
//	by explicit operator action.
type DocumentExecution struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`

	// DocumentID references the document in the DocumentStore. Nil for
	// executions created before their document exists.
	DocumentID *string `json:"document_id,omitempty"`

	// StartNodeID overrides the graph roots as the entry point.
	StartNodeID string `json:"start_node_id,omitempty"`

	Status        ExecutionStatus `json:"status"`
	CurrentNodeID string          `json:"current_node_id,omitempty"`

	// Metadata is the open-ended structured document state, enriched at
	// every step. Passed to processors by value (deep copy).
	Metadata map[string]any `json:"metadata,omitempty"`

	// HoldKind names the review queue a held execution sits in.
	HoldKind string `json:"hold_kind,omitempty"`

	// UnroutedPort is the port that found no connected edge, recorded so
	// resume can re-route along it once an edge exists.
	UnroutedPort string `json:"unrouted_port,omitempty"`

	// OrphanedNodeName names the missing node for orphaned executions.
	OrphanedNodeName string `json:"orphaned_node_name,omitempty"`

	// Error is the captured processor error for failed executions.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogStatus is the status of a single NodeExecutionLog row.
type LogStatus string

const (
	LogProcessing LogStatus = "processing"
	LogCompleted  LogStatus = "completed"
	LogFailed     LogStatus = "failed"
	LogHeld       LogStatus = "held"
	LogUnrouted   LogStatus = "unrouted"
)

// Open reports whether the row still awaits a closing transition.
func (s LogStatus) Open() bool { return s == LogProcessing }

// NodeExecutionLog is one row per (execution, node) visit. Append-only;
// the store enforces at most one open row per execution.
type NodeExecutionLog struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	RunID       string    `json:"run_id"`
	NodeID      string    `json:"node_id"`
	NodeName    string    `json:"node_name,omitempty"`
	Seq         int       `json:"seq"`
	Status      LogStatus `json:"status"`

	InputMetadata  map[string]any `json:"input_metadata,omitempty"`
	OutputMetadata map[string]any `json:"output_metadata,omitempty"`

	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunStatus is the lifecycle status of a WorkflowRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// WorkflowRun is one engine invocation over one workflow graph.
type WorkflowRun struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Status     RunStatus `json:"status"`

	// Graph is the immutable-for-the-run snapshot taken at start.
	Graph *WorkflowGraph `json:"graph,omitempty"`

	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// CloneMetadata deep-copies a metadata document.
//
// Description:
//
//	Uses a JSON round-trip so nested maps and slices are copied, not
//	aliased. Metadata is JSON-typed by construction (it is persisted as
//	JSON), so the round-trip is lossless. A nil input yields an empty
//	map so callers can write without nil checks.
func CloneMetadata(md map[string]any) map[string]any {
	out := make(map[string]any, len(md))
	if len(md) == 0 {
		return out
	}
	data, err := json.Marshal(md)
	if err != nil {
		for k, v := range md {
			out[k] = v
		}
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		for k, v := range md {
			out[k] = v
		}
	}
	return out
}

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

// StartRunDocument is one document entry in a StartRunRequest.
type StartRunDocument struct {
	DocumentID  string `json:"document_id" binding:"required"`
	StartNodeID string `json:"start_node_id,omitempty"`
}

// StartRunRequest triggers a workflow run.
type StartRunRequest struct {
	WorkflowID string             `json:"workflow_id" binding:"required"`
	Documents  []StartRunDocument `json:"documents" binding:"required,min=1"`
}

// StartRunResponse returns the created run id.
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// ResumeRequest wakes a held or unrouted document execution.
type ResumeRequest struct {
	RunID      string `json:"run_id" binding:"required"`
	FromNodeID string `json:"from_node_id" binding:"required"`
	Port       string `json:"port,omitempty"`
}

// RunStatusResponse is the operator view of one run.
type RunStatusResponse struct {
	Run        *WorkflowRun        `json:"run"`
	Executions []DocumentExecution `json:"executions"`
}

// NodeStatusSummary is a read-only projection of log rows per node.
type NodeStatusSummary struct {
	NodeID   string         `json:"node_id"`
	NodeName string         `json:"node_name,omitempty"`
	Counts   map[string]int `json:"counts"`
}

// ErrorResponse is the uniform error body for API failures.
type ErrorResponse struct {
	Error string `json:"error"`
}

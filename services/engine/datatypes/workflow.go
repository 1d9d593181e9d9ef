// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the persisted entities and wire shapes shared
// by the docflow engine packages.
//
// Everything here is plain data: workflow graphs, document executions,
// node execution logs, workflow runs, and the reconciliation entities
// (matching sets, set docs, comparison results, held documents). Behavior
// lives in the graph, coordinator, and recon packages.
package datatypes

// PortDefault is the sentinel output port. A node that emits PortDefault
// routes along every outgoing edge regardless of the edge's declared
// source port. This broadcast behavior is intentional and must not be
// narrowed to edges whose source port equals "default".
const PortDefault = "default"

// NodeKind identifies which processor handles a workflow node.
type NodeKind string

const (
	// NodeKindIf routes on a single boolean condition ("true"/"false" ports).
	NodeKindIf NodeKind = "if"

	// NodeKindSwitch routes on ordered cases, first match wins.
	NodeKindSwitch NodeKind = "switch"

	// NodeKindSetValue writes computed values into document metadata.
	NodeKindSetValue NodeKind = "set_value"

	// NodeKindDocumentFolder holds a document for manual folder review.
	NodeKindDocumentFolder NodeKind = "document_folder"

	// NodeKindExtractorHold holds a document until an extractor is triggered.
	NodeKindExtractorHold NodeKind = "extractor_hold"

	// NodeKindSplitting fans a document out into independent sub-documents.
	NodeKindSplitting NodeKind = "splitting"

	// NodeKindHTTP performs an outbound HTTP call.
	NodeKindHTTP NodeKind = "http"

	// NodeKindExtraction runs schema-based field extraction.
	NodeKindExtraction NodeKind = "extraction"

	// NodeKindClassification labels a document and routes on the label.
	NodeKindClassification NodeKind = "classification"

	// NodeKindDataMapping maps metadata fields through user expressions.
	NodeKindDataMapping NodeKind = "data_mapping"

	// NodeKindReconciliation correlates documents into matching sets.
	NodeKindReconciliation NodeKind = "reconciliation"
)

// WorkflowNode is one processing step definition inside a workflow graph.
type WorkflowNode struct {
	// ID is the node's unique identifier within the graph.
	ID string `json:"id" yaml:"id"`

	// Kind selects the processor implementation.
	Kind NodeKind `json:"kind" yaml:"kind"`

	// Name is the human-readable node name shown in operator views.
	Name string `json:"name" yaml:"name"`

	// Config is the node's kind-specific configuration.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// WorkflowEdge connects a source node port to a target node port.
type WorkflowEdge struct {
	SourceNodeID string `json:"source_node_id" yaml:"source_node_id"`
	SourcePort   string `json:"source_port" yaml:"source_port"`
	TargetNodeID string `json:"target_node_id" yaml:"target_node_id"`
	TargetPort   string `json:"target_port" yaml:"target_port"`
}

// WorkflowGraph is a complete workflow definition.
//
// Description:
//
//	Graphs are read from the GraphStore at run start and snapshotted into
//	the WorkflowRun record. The snapshot is the source of truth for the
//	lifetime of the run; later edits to the definition never affect
//	in-flight or resumed documents.
type WorkflowGraph struct {
	ID    string         `json:"id" yaml:"id"`
	Name  string         `json:"name" yaml:"name"`
	Nodes []WorkflowNode `json:"nodes" yaml:"nodes"`
	Edges []WorkflowEdge `json:"edges" yaml:"edges"`
}

// NodeByID returns the node with the given id.
//
// Outputs:
//
//	*WorkflowNode - The node if found, nil otherwise.
func (g *WorkflowGraph) NodeByID(id string) *WorkflowNode {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

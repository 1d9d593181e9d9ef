// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph implements the traversal engine over a run's workflow
// graph snapshot.
//
// The package is pure: it builds an adjacency index from a node/edge set
// and answers successor and entry-point queries. It performs no I/O and
// holds no execution state; the coordinator owns the queues.
//
// # Thread Safety
//
// An Index is immutable after New and safe for concurrent reads.
package graph

import (
	"github.com/docflowio/docflow/services/engine/datatypes"
)

// Step is one unit of traversal work: a node to visit with the metadata
// the document carries into it.
type Step struct {
	NodeID   string
	Metadata map[string]any
}

// Index is the adjacency view of one workflow graph snapshot.
type Index struct {
	nodes    map[string]datatypes.WorkflowNode
	bySource map[string][]datatypes.WorkflowEdge
	incoming map[string]int
}

// New builds an Index from a graph snapshot.
//
// Inputs:
//
//	g - The run's graph snapshot. Must not be nil.
//
// Outputs:
//
//	*Index - Immutable adjacency index.
//	error - ErrEmptyGraph if the graph has no nodes, ErrUnknownNode if an
//	        edge references a node missing from the snapshot.
func New(g *datatypes.WorkflowGraph) (*Index, error) {
	if g == nil || len(g.Nodes) == 0 {
		return nil, ErrEmptyGraph
	}

	idx := &Index{
		nodes:    make(map[string]datatypes.WorkflowNode, len(g.Nodes)),
		bySource: make(map[string][]datatypes.WorkflowEdge),
		incoming: make(map[string]int),
	}
	for _, n := range g.Nodes {
		idx.nodes[n.ID] = n
	}
	for _, e := range g.Edges {
		if _, ok := idx.nodes[e.SourceNodeID]; !ok {
			return nil, &EdgeError{Edge: e, Err: ErrUnknownNode}
		}
		if _, ok := idx.nodes[e.TargetNodeID]; !ok {
			return nil, &EdgeError{Edge: e, Err: ErrUnknownNode}
		}
		idx.bySource[e.SourceNodeID] = append(idx.bySource[e.SourceNodeID], e)
		idx.incoming[e.TargetNodeID]++
	}
	return idx, nil
}

// Node returns the node definition for an id.
func (x *Index) Node(id string) (datatypes.WorkflowNode, bool) {
	n, ok := x.nodes[id]
	return n, ok
}

// Roots returns the ids of nodes with no incoming edges, in the order
// they appear in the snapshot's node list.
func (x *Index) Roots(g *datatypes.WorkflowGraph) []string {
	roots := make([]string, 0)
	for _, n := range g.Nodes {
		if x.incoming[n.ID] == 0 {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// Successors returns the edges leaving a node that match an output port.
//
// Description:
//
//	When port is datatypes.PortDefault the node broadcasts: every
//	outgoing edge matches, regardless of that edge's declared source
//	port. A node that only ever emits the default port therefore fans
//	across multiple differently-labeled edges when several exist. This
//	mirrors the engine's established routing behavior and is preserved
//	deliberately; do not filter default emissions by edge port.
func (x *Index) Successors(nodeID, port string) []datatypes.WorkflowEdge {
	edges := x.bySource[nodeID]
	if port == datatypes.PortDefault {
		out := make([]datatypes.WorkflowEdge, len(edges))
		copy(out, edges)
		return out
	}
	out := make([]datatypes.WorkflowEdge, 0, len(edges))
	for _, e := range edges {
		if e.SourcePort == port {
			out = append(out, e)
		}
	}
	return out
}

// HasOutgoing reports whether a node has any outgoing edges. The
// coordinator uses this to tell a natural end of traversal (no edges at
// all) from an unrouted dead end (edges exist, none match the port).
func (x *Index) HasOutgoing(nodeID string) bool {
	return len(x.bySource[nodeID]) > 0
}

// Seed builds the initial step queue for a document.
//
// Inputs:
//
//	entryNodes - Node ids to start from (graph roots, or an execution's
//	             start-node override).
//	metadata - Initial document metadata, passed to every entry step.
//
// Outputs:
//
//	[]Step - One step per entry node, in input order. Each step carries
//	its own metadata copy so branches never alias.
func Seed(entryNodes []string, metadata map[string]any) []Step {
	steps := make([]Step, 0, len(entryNodes))
	for _, id := range entryNodes {
		steps = append(steps, Step{NodeID: id, Metadata: datatypes.CloneMetadata(metadata)})
	}
	return steps
}

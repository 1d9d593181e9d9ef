// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflowio/docflow/services/engine/datatypes"
)

// testGraph builds:
//
//	a --true--> b --default--> d
//	a --false-> c --archive--> e
func testGraph() *datatypes.WorkflowGraph {
	return &datatypes.WorkflowGraph{
		Nodes: []datatypes.WorkflowNode{
			{ID: "a", Kind: datatypes.NodeKindIf},
			{ID: "b", Kind: datatypes.NodeKindSetValue},
			{ID: "c", Kind: datatypes.NodeKindSetValue},
			{ID: "d", Kind: datatypes.NodeKindSetValue},
			{ID: "e", Kind: datatypes.NodeKindSetValue},
		},
		Edges: []datatypes.WorkflowEdge{
			{SourceNodeID: "a", SourcePort: "true", TargetNodeID: "b"},
			{SourceNodeID: "a", SourcePort: "false", TargetNodeID: "c"},
			{SourceNodeID: "b", SourcePort: datatypes.PortDefault, TargetNodeID: "d"},
			{SourceNodeID: "c", SourcePort: "archive", TargetNodeID: "e"},
		},
	}
}

// TestNewValidation verifies edge endpoints must exist.
func TestNewValidation(t *testing.T) {
	_, err := New(&datatypes.WorkflowGraph{})
	assert.ErrorIs(t, err, ErrEmptyGraph)

	_, err = New(&datatypes.WorkflowGraph{
		Nodes: []datatypes.WorkflowNode{{ID: "a"}},
		Edges: []datatypes.WorkflowEdge{
			{SourceNodeID: "a", TargetNodeID: "ghost"},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownNode)

	var edgeErr *EdgeError
	assert.ErrorAs(t, err, &edgeErr)
}

// TestRoots verifies entry detection in snapshot order.
func TestRoots(t *testing.T) {
	g := testGraph()
	idx, err := New(g)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, idx.Roots(g))
}

// TestSuccessorsPortFilter verifies only matching ports route.
func TestSuccessorsPortFilter(t *testing.T) {
	idx, err := New(testGraph())
	require.NoError(t, err)

	edges := idx.Successors("a", "true")
	require.Len(t, edges, 1)
	assert.Equal(t, "b", edges[0].TargetNodeID)

	assert.Empty(t, idx.Successors("a", "maybe"))
	assert.Empty(t, idx.Successors("d", "true"))
}

// TestSuccessorsDefaultBroadcast verifies the default port follows
// every outgoing edge regardless of edge port labels.
func TestSuccessorsDefaultBroadcast(t *testing.T) {
	idx, err := New(testGraph())
	require.NoError(t, err)

	edges := idx.Successors("a", datatypes.PortDefault)
	require.Len(t, edges, 2)
	targets := []string{edges[0].TargetNodeID, edges[1].TargetNodeID}
	assert.ElementsMatch(t, []string{"b", "c"}, targets)

	// An explicitly labeled edge is still reachable via default.
	edges = idx.Successors("c", datatypes.PortDefault)
	require.Len(t, edges, 1)
	assert.Equal(t, "e", edges[0].TargetNodeID)
}

// TestHasOutgoing distinguishes dead ends from natural completion.
func TestHasOutgoing(t *testing.T) {
	idx, err := New(testGraph())
	require.NoError(t, err)

	assert.True(t, idx.HasOutgoing("a"))
	assert.False(t, idx.HasOutgoing("d"))
	assert.False(t, idx.HasOutgoing("e"))
}

// TestSeed verifies the initial step queue shape.
func TestSeed(t *testing.T) {
	md := map[string]any{"amount": 10.0}
	steps := Seed([]string{"a", "b"}, md)
	require.Len(t, steps, 2)
	assert.Equal(t, "a", steps[0].NodeID)
	assert.Equal(t, "b", steps[1].NodeID)

	// Each step carries its own metadata copy.
	steps[0].Metadata["amount"] = 99.0
	assert.Equal(t, 10.0, steps[1].Metadata["amount"])
	assert.Equal(t, 10.0, md["amount"])
}

// TestNode verifies lookup of present and missing nodes.
func TestNode(t *testing.T) {
	idx, err := New(testGraph())
	require.NoError(t, err)

	node, ok := idx.Node("a")
	require.True(t, ok)
	assert.Equal(t, datatypes.NodeKindIf, node.Kind)

	_, ok = idx.Node("ghost")
	assert.False(t, ok)
}

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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflowio/docflow/services/engine/clients"
	"github.com/docflowio/docflow/services/engine/datatypes"
	"github.com/docflowio/docflow/services/engine/formula"
	"github.com/docflowio/docflow/services/engine/processor"
	"github.com/docflowio/docflow/services/engine/store"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeGraphStore struct {
	graphs map[string]*datatypes.WorkflowGraph
}

func (f *fakeGraphStore) Graph(_ context.Context, workflowID string) (*datatypes.WorkflowGraph, error) {
	g, ok := f.graphs[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, clients.ErrGraphNotFound)
	}
	return g, nil
}

type fakeDocStore struct {
	mu   sync.Mutex
	docs map[string]*clients.Document
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: make(map[string]*clients.Document)}
}

func (f *fakeDocStore) Get(_ context.Context, documentID string) (*clients.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, clients.ErrNotFound)
	}
	return doc, nil
}

func (f *fakeDocStore) Create(_ context.Context, doc *clients.Document) (*clients.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := &clients.Document{ID: uuid.NewString(), Metadata: doc.Metadata}
	f.docs[created.ID] = created
	return created, nil
}

func (f *fakeDocStore) put(metadata map[string]any) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.docs[id] = &clients.Document{ID: id, Metadata: metadata}
	return id
}

type fakeSplitter struct {
	parts []clients.SplitPart
}

func (f *fakeSplitter) Split(context.Context, clients.Document, string) ([]clients.SplitPart, error) {
	return f.parts, nil
}

// =============================================================================
// Harness
// =============================================================================

type coordRig struct {
	coord *Coordinator
	store *store.Store
	docs  *fakeDocStore
}

func newCoordRig(t *testing.T, graphs map[string]*datatypes.WorkflowGraph, splitter clients.SplittingService) *coordRig {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eval := formula.New(time.Second)
	registry := processor.NewRegistry()
	registry.Register(processor.NewIfProcessor(eval))
	registry.Register(processor.NewSetValueProcessor(eval))
	registry.Register(processor.NewFolderProcessor())
	if splitter != nil {
		registry.Register(processor.NewSplittingProcessor(splitter))
	}

	docs := newFakeDocStore()
	return &coordRig{
		coord: New(st, &fakeGraphStore{graphs: graphs}, docs, registry, nil, nil),
		store: st,
		docs:  docs,
	}
}

func setValueNode(id, field, src string) datatypes.WorkflowNode {
	return datatypes.WorkflowNode{
		ID:   id,
		Kind: datatypes.NodeKindSetValue,
		Name: id,
		Config: map[string]any{
			"values": map[string]any{field: src},
		},
	}
}

func defaultEdge(src, dst string) datatypes.WorkflowEdge {
	return datatypes.WorkflowEdge{SourceNodeID: src, SourcePort: datatypes.PortDefault, TargetNodeID: dst}
}

// linearGraph is a -> b -> c, each stage stamping its own field.
func linearGraph() *datatypes.WorkflowGraph {
	return &datatypes.WorkflowGraph{
		ID: "linear",
		Nodes: []datatypes.WorkflowNode{
			setValueNode("a", "stage_a", `upper(doc.kind)`),
			setValueNode("b", "stage_b", `doc.amount * 2`),
			setValueNode("c", "stage_c", `"done"`),
		},
		Edges: []datatypes.WorkflowEdge{
			defaultEdge("a", "b"),
			defaultEdge("b", "c"),
		},
	}
}

func (r *coordRig) soleExecution(t *testing.T, runID string) datatypes.DocumentExecution {
	t.Helper()
	execs, err := r.store.ListExecutionsByRun(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	return execs[0]
}

// =============================================================================
// StartRun
// =============================================================================

func TestStartRunLinear(t *testing.T) {
	rig := newCoordRig(t, map[string]*datatypes.WorkflowGraph{"linear": linearGraph()}, nil)
	docID := rig.docs.put(map[string]any{"kind": "invoice", "amount": 21.0})

	runID, err := rig.coord.StartRun(context.Background(),
		"linear", []datatypes.StartRunDocument{{DocumentID: docID}})
	require.NoError(t, err)

	run, err := rig.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.RunCompleted, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.Graph)

	exec := rig.soleExecution(t, runID)
	assert.Equal(t, datatypes.ExecutionCompleted, exec.Status)
	assert.Equal(t, "INVOICE", exec.Metadata["stage_a"])
	assert.Equal(t, 42.0, exec.Metadata["stage_b"])
	assert.Equal(t, "done", exec.Metadata["stage_c"])

	logs, err := rig.store.ListLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, nodeID := range []string{"a", "b", "c"} {
		assert.Equal(t, i+1, logs[i].Seq)
		assert.Equal(t, nodeID, logs[i].NodeID)
		assert.Equal(t, datatypes.LogCompleted, logs[i].Status)
		require.NotNil(t, logs[i].FinishedAt)
	}
	// Input metadata is the pre-visit snapshot: node b saw a's stamp but
	// not its own.
	assert.Equal(t, "INVOICE", logs[1].InputMetadata["stage_a"])
	assert.NotContains(t, logs[1].InputMetadata, "stage_b")
}

func TestStartRunValidation(t *testing.T) {
	rig := newCoordRig(t, map[string]*datatypes.WorkflowGraph{"linear": linearGraph()}, nil)

	_, err := rig.coord.StartRun(context.Background(), "linear", nil)
	assert.ErrorIs(t, err, ErrNoDocuments)

	_, err = rig.coord.StartRun(context.Background(),
		"missing", []datatypes.StartRunDocument{{DocumentID: "d"}})
	assert.ErrorIs(t, err, clients.ErrGraphNotFound)
}

func TestStartRunIfRouting(t *testing.T) {
	g := &datatypes.WorkflowGraph{
		ID: "route",
		Nodes: []datatypes.WorkflowNode{
			{ID: "gate", Kind: datatypes.NodeKindIf, Name: "gate",
				Config: map[string]any{"condition": `doc.amount > 100`}},
			setValueNode("approve", "verdict", `"approved"`),
			setValueNode("reject", "verdict", `"rejected"`),
		},
		Edges: []datatypes.WorkflowEdge{
			{SourceNodeID: "gate", SourcePort: "true", TargetNodeID: "approve"},
			{SourceNodeID: "gate", SourcePort: "false", TargetNodeID: "reject"},
		},
	}
	rig := newCoordRig(t, map[string]*datatypes.WorkflowGraph{"route": g}, nil)
	big := rig.docs.put(map[string]any{"amount": 150.0})
	small := rig.docs.put(map[string]any{"amount": 50.0})

	runID, err := rig.coord.StartRun(context.Background(), "route",
		[]datatypes.StartRunDocument{{DocumentID: big}, {DocumentID: small}})
	require.NoError(t, err)

	execs, err := rig.store.ListExecutionsByRun(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, execs, 2)

	verdicts := map[string]bool{}
	for _, exec := range execs {
		assert.Equal(t, datatypes.ExecutionCompleted, exec.Status)
		verdicts[exec.Metadata["verdict"].(string)] = true
	}
	assert.True(t, verdicts["approved"])
	assert.True(t, verdicts["rejected"])
}

func TestStartRunFanout(t *testing.T) {
	g := &datatypes.WorkflowGraph{
		ID: "split",
		Nodes: []datatypes.WorkflowNode{
			{ID: "split", Kind: datatypes.NodeKindSplitting, Name: "split",
				Config: map[string]any{"instructions": "by page"}},
			setValueNode("stamp", "stamped", `true`),
		},
		Edges: []datatypes.WorkflowEdge{defaultEdge("split", "stamp")},
	}
	splitter := &fakeSplitter{parts: []clients.SplitPart{
		{Content: map[string]any{"page": 1.0}, Label: "front"},
		{Content: map[string]any{"page": 2.0}, Label: "back"},
	}}
	rig := newCoordRig(t, map[string]*datatypes.WorkflowGraph{"split": g}, splitter)
	docID := rig.docs.put(map[string]any{"pages": 2.0})

	runID, err := rig.coord.StartRun(context.Background(), "split",
		[]datatypes.StartRunDocument{{DocumentID: docID}})
	require.NoError(t, err)

	run, err := rig.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.RunCompleted, run.Status)

	execs, err := rig.store.ListExecutionsByRun(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, execs, 3)

	labels := map[string]bool{}
	children := 0
	for _, exec := range execs {
		assert.Equal(t, datatypes.ExecutionCompleted, exec.Status)
		label, ok := exec.Metadata["split_label"].(string)
		if !ok {
			continue // the parent
		}
		children++
		labels[label] = true
		// Children carry part content, not the parent's metadata.
		assert.NotContains(t, exec.Metadata, "pages")
		assert.Equal(t, true, exec.Metadata["stamped"])
		require.NotNil(t, exec.DocumentID)
		_, err := rig.docs.Get(context.Background(), *exec.DocumentID)
		assert.NoError(t, err)
	}
	assert.Equal(t, 2, children)
	assert.True(t, labels["front"])
	assert.True(t, labels["back"])
}

func TestStartRunProcessorFailureIsolated(t *testing.T) {
	g := &datatypes.WorkflowGraph{
		ID: "frail",
		Nodes: []datatypes.WorkflowNode{
			setValueNode("a", "derived", `doc.amount * 2`),
		},
	}
	rig := newCoordRig(t, map[string]*datatypes.WorkflowGraph{"frail": g}, nil)
	good := rig.docs.put(map[string]any{"amount": 10.0})
	bad := rig.docs.put(map[string]any{"note": "no amount field"})

	runID, err := rig.coord.StartRun(context.Background(), "frail",
		[]datatypes.StartRunDocument{{DocumentID: bad}, {DocumentID: good}})
	require.NoError(t, err)

	run, err := rig.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.RunFailed, run.Status)

	execs, err := rig.store.ListExecutionsByRun(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, execs, 2)

	byStatus := map[datatypes.ExecutionStatus]datatypes.DocumentExecution{}
	for _, exec := range execs {
		byStatus[exec.Status] = exec
	}
	failed, ok := byStatus[datatypes.ExecutionFailed]
	require.True(t, ok)
	assert.NotEmpty(t, failed.Error)
	logs, err := rig.store.ListLogs(context.Background(), failed.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, datatypes.LogFailed, logs[0].Status)

	completed, ok := byStatus[datatypes.ExecutionCompleted]
	require.True(t, ok)
	assert.Equal(t, 20.0, completed.Metadata["derived"])
}

func TestStartRunMissingDocumentFailsExecution(t *testing.T) {
	rig := newCoordRig(t, map[string]*datatypes.WorkflowGraph{"linear": linearGraph()}, nil)

	runID, err := rig.coord.StartRun(context.Background(), "linear",
		[]datatypes.StartRunDocument{{DocumentID: "nope"}})
	require.NoError(t, err)

	exec := rig.soleExecution(t, runID)
	assert.Equal(t, datatypes.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "nope")
}

func TestStartRunOrphanedEntryNode(t *testing.T) {
	rig := newCoordRig(t, map[string]*datatypes.WorkflowGraph{"linear": linearGraph()}, nil)
	docID := rig.docs.put(map[string]any{"kind": "invoice"})

	runID, err := rig.coord.StartRun(context.Background(), "linear",
		[]datatypes.StartRunDocument{{DocumentID: docID, StartNodeID: "gone"}})
	require.NoError(t, err)

	exec := rig.soleExecution(t, runID)
	assert.Equal(t, datatypes.ExecutionOrphaned, exec.Status)
	assert.Equal(t, "gone", exec.OrphanedNodeName)

	// Orphaned is a resting state, not a failure.
	run, err := rig.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.RunCompleted, run.Status)
}

func TestStartRunExplicitStartNode(t *testing.T) {
	rig := newCoordRig(t, map[string]*datatypes.WorkflowGraph{"linear": linearGraph()}, nil)
	docID := rig.docs.put(map[string]any{"amount": 5.0})

	runID, err := rig.coord.StartRun(context.Background(), "linear",
		[]datatypes.StartRunDocument{{DocumentID: docID, StartNodeID: "b"}})
	require.NoError(t, err)

	exec := rig.soleExecution(t, runID)
	assert.Equal(t, datatypes.ExecutionCompleted, exec.Status)
	assert.NotContains(t, exec.Metadata, "stage_a")
	assert.Equal(t, 10.0, exec.Metadata["stage_b"])

	logs, err := rig.store.ListLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "b", logs[0].NodeID)
}

// =============================================================================
// Hold and resume
// =============================================================================

func holdGraph() *datatypes.WorkflowGraph {
	return &datatypes.WorkflowGraph{
		ID: "review",
		Nodes: []datatypes.WorkflowNode{
			setValueNode("intake", "received", `true`),
			{ID: "review", Kind: datatypes.NodeKindDocumentFolder, Name: "manual review"},
			setValueNode("archive", "archived", `true`),
		},
		Edges: []datatypes.WorkflowEdge{
			defaultEdge("intake", "review"),
			defaultEdge("review", "archive"),
		},
	}
}

func TestHoldAndResume(t *testing.T) {
	rig := newCoordRig(t, map[string]*datatypes.WorkflowGraph{"review": holdGraph()}, nil)
	docID := rig.docs.put(map[string]any{"kind": "receipt"})

	runID, err := rig.coord.StartRun(context.Background(), "review",
		[]datatypes.StartRunDocument{{DocumentID: docID}})
	require.NoError(t, err)

	exec := rig.soleExecution(t, runID)
	assert.Equal(t, datatypes.ExecutionHeld, exec.Status)
	assert.Equal(t, processor.HoldKindFolder, exec.HoldKind)
	assert.Equal(t, "review", exec.CurrentNodeID)

	// A held document does not fail the run.
	run, err := rig.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.RunCompleted, run.Status)

	err = rig.coord.ResumeExecution(context.Background(), exec.ID, "review", runID, "")
	require.NoError(t, err)

	exec = rig.soleExecution(t, runID)
	assert.Equal(t, datatypes.ExecutionCompleted, exec.Status)
	assert.Empty(t, exec.HoldKind)
	assert.Equal(t, true, exec.Metadata["archived"])

	logs, err := rig.store.ListLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, datatypes.LogHeld, logs[1].Status)
	assert.Equal(t, datatypes.LogCompleted, logs[2].Status)
}

func TestResumeValidation(t *testing.T) {
	rig := newCoordRig(t, map[string]*datatypes.WorkflowGraph{"review": holdGraph()}, nil)
	docID := rig.docs.put(map[string]any{"kind": "receipt"})

	runID, err := rig.coord.StartRun(context.Background(), "review",
		[]datatypes.StartRunDocument{{DocumentID: docID}})
	require.NoError(t, err)
	exec := rig.soleExecution(t, runID)

	t.Run("run mismatch", func(t *testing.T) {
		err := rig.coord.ResumeExecution(context.Background(), exec.ID, "review", "other-run", "")
		assert.ErrorIs(t, err, ErrRunMismatch)
	})

	t.Run("missing node orphans", func(t *testing.T) {
		err := rig.coord.ResumeExecution(context.Background(), exec.ID, "gone", runID, "")
		assert.ErrorIs(t, err, ErrOrphaned)
		got, getErr := rig.store.GetExecution(context.Background(), exec.ID)
		require.NoError(t, getErr)
		assert.Equal(t, datatypes.ExecutionOrphaned, got.Status)
		assert.Equal(t, "gone", got.OrphanedNodeName)
	})

	t.Run("not resumable after orphaning", func(t *testing.T) {
		err := rig.coord.ResumeExecution(context.Background(), exec.ID, "review", runID, "")
		assert.ErrorIs(t, err, ErrNotResumable)
	})
}

func TestResumePortDeadEnd(t *testing.T) {
	rig := newCoordRig(t, map[string]*datatypes.WorkflowGraph{"review": holdGraph()}, nil)
	docID := rig.docs.put(map[string]any{"kind": "receipt"})

	runID, err := rig.coord.StartRun(context.Background(), "review",
		[]datatypes.StartRunDocument{{DocumentID: docID}})
	require.NoError(t, err)
	exec := rig.soleExecution(t, runID)

	// "review" only has a default edge; a labeled port matches nothing.
	err = rig.coord.ResumeExecution(context.Background(), exec.ID, "review", runID, "escalate")
	assert.ErrorIs(t, err, ErrPortDeadEnd)

	got, err := rig.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ExecutionHeld, got.Status)
}

func TestResumePastTerminalNodeCompletes(t *testing.T) {
	g := &datatypes.WorkflowGraph{
		ID: "tail",
		Nodes: []datatypes.WorkflowNode{
			{ID: "hold", Kind: datatypes.NodeKindDocumentFolder, Name: "hold"},
		},
	}
	rig := newCoordRig(t, map[string]*datatypes.WorkflowGraph{"tail": g}, nil)
	docID := rig.docs.put(map[string]any{})

	runID, err := rig.coord.StartRun(context.Background(), "tail",
		[]datatypes.StartRunDocument{{DocumentID: docID}})
	require.NoError(t, err)
	exec := rig.soleExecution(t, runID)
	require.Equal(t, datatypes.ExecutionHeld, exec.Status)

	err = rig.coord.ResumeExecution(context.Background(), exec.ID, "hold", runID, "")
	require.NoError(t, err)
	exec = rig.soleExecution(t, runID)
	assert.Equal(t, datatypes.ExecutionCompleted, exec.Status)
}

// =============================================================================
// Unrouted
// =============================================================================

func TestUnroutedAndResume(t *testing.T) {
	g := &datatypes.WorkflowGraph{
		ID: "partial",
		Nodes: []datatypes.WorkflowNode{
			{ID: "gate", Kind: datatypes.NodeKindIf, Name: "gate",
				Config: map[string]any{"condition": `doc.amount > 100`}},
			setValueNode("approve", "verdict", `"approved"`),
		},
		Edges: []datatypes.WorkflowEdge{
			{SourceNodeID: "gate", SourcePort: "true", TargetNodeID: "approve"},
		},
	}
	rig := newCoordRig(t, map[string]*datatypes.WorkflowGraph{"partial": g}, nil)
	docID := rig.docs.put(map[string]any{"amount": 50.0})

	runID, err := rig.coord.StartRun(context.Background(), "partial",
		[]datatypes.StartRunDocument{{DocumentID: docID}})
	require.NoError(t, err)

	exec := rig.soleExecution(t, runID)
	assert.Equal(t, datatypes.ExecutionUnrouted, exec.Status)
	assert.Equal(t, "false", exec.UnroutedPort)

	logs, err := rig.store.ListLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, datatypes.LogUnrouted, logs[0].Status)

	// Unrouted does not fail the run.
	run, err := rig.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.RunCompleted, run.Status)

	// Operator re-routes down the wired port.
	err = rig.coord.ResumeExecution(context.Background(), exec.ID, "gate", runID, "true")
	require.NoError(t, err)

	exec = rig.soleExecution(t, runID)
	assert.Equal(t, datatypes.ExecutionCompleted, exec.Status)
	assert.Empty(t, exec.UnroutedPort)
	assert.Equal(t, "approved", exec.Metadata["verdict"])
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflowio/docflow/services/engine/datatypes"
	"github.com/docflowio/docflow/services/engine/formula"
	"github.com/docflowio/docflow/services/engine/processor"
	"github.com/docflowio/docflow/services/engine/rulelock"
	"github.com/docflowio/docflow/services/engine/store"
)

// poInvoiceConfig is the canonical test rule: purchase orders anchor,
// invoices match on po_number, totals must agree.
func poInvoiceConfig(extra map[string]any) map[string]any {
	cfg := map[string]any{
		"rule_id":           "po-invoice",
		"anchor_extractor":  "purchase_order",
		"target_extractors": []any{"invoice"},
		"variations": []any{
			map[string]any{
				"id": "v1",
				"links": []any{
					map[string]any{
						"left_extractor":  "purchase_order",
						"left_field":      "number",
						"right_extractor": "invoice",
						"right_field":     "po_number",
						"match":           "exact",
					},
				},
				"comparisons": []any{
					map[string]any{
						"id":    "total-match",
						"level": "header",
						"left":  "purchase_order.total",
						"right": "invoice.total",
					},
				},
			},
		},
	}
	for k, v := range extra {
		cfg[k] = v
	}
	return cfg
}

type testRig struct {
	store  *store.Store
	engine *Engine
	node   datatypes.WorkflowNode
	runID  string
}

func newTestRig(t *testing.T, config map[string]any) *testRig {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	node := datatypes.WorkflowNode{
		ID:     "recon-1",
		Kind:   datatypes.NodeKindReconciliation,
		Name:   "Reconcile PO vs invoice",
		Config: config,
	}
	run := &datatypes.WorkflowRun{
		ID:         uuid.NewString(),
		WorkflowID: "wf-recon",
		Status:     datatypes.RunRunning,
		Graph: &datatypes.WorkflowGraph{
			Nodes: []datatypes.WorkflowNode{node},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateRun(context.Background(), run))

	return &testRig{
		store:  st,
		engine: New(st, rulelock.New(), formula.New(0), nil),
		node:   node,
		runID:  run.ID,
	}
}

// arrive persists an execution carrying md and runs it through the
// engine, the way the coordinator would at a reconciliation node.
func (r *testRig) arrive(t *testing.T, md map[string]any) (string, *processor.Outcome, error) {
	t.Helper()
	exec := &datatypes.DocumentExecution{
		ID:            uuid.NewString(),
		RunID:         r.runID,
		StartNodeID:   r.node.ID,
		Status:        datatypes.ExecutionProcessing,
		CurrentNodeID: r.node.ID,
		Metadata:      datatypes.CloneMetadata(md),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, r.store.CreateExecution(context.Background(), exec))

	out, err := r.engine.Process(context.Background(), &processor.Input{
		Node:        r.node,
		Metadata:    datatypes.CloneMetadata(md),
		RunID:       r.runID,
		ExecutionID: exec.ID,
	})
	return exec.ID, out, err
}

func poDoc(number string, total float64) map[string]any {
	return map[string]any{"extractor_id": "purchase_order", "number": number, "total": total}
}

func invoiceDoc(poNumber string, total float64) map[string]any {
	return map[string]any{"extractor_id": "invoice", "po_number": poNumber, "total": total}
}

// TestAnchorOpensSetAndHolds verifies step 1.
func TestAnchorOpensSetAndHolds(t *testing.T) {
	rig := newTestRig(t, poInvoiceConfig(nil))
	ctx := context.Background()

	execID, out, err := rig.arrive(t, poDoc("PO-1", 100))
	require.NoError(t, err)
	assert.Equal(t, processor.DecisionHold, out.Decision)
	assert.Equal(t, processor.HoldKindReconMatching, out.HoldKind)

	sets, err := rig.store.ListPendingSetsByRule(ctx, "po-invoice")
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, execID, sets[0].AnchorExecutionID)

	docs, err := rig.store.ListSetDocs(ctx, sets[0].ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "purchase_order", docs[0].ExtractorID)

	held, err := rig.store.GetHeld(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.HeldWaiting, held.Status)
}

// TestMatchingTargetReconciles verifies the full happy path: anchor
// held, matching invoice arrives, set reconciles, both advance.
func TestMatchingTargetReconciles(t *testing.T) {
	rig := newTestRig(t, poInvoiceConfig(nil))
	ctx := context.Background()

	poExec, _, err := rig.arrive(t, poDoc("PO-1", 100))
	require.NoError(t, err)

	invExec, out, err := rig.arrive(t, invoiceDoc("PO-1", 100))
	require.NoError(t, err)
	assert.Equal(t, processor.DecisionContinue, out.Decision)
	assert.Equal(t, datatypes.PortDefault, out.OutputPort)
	assert.Equal(t, []string{poExec}, out.ReleasedExecutions)

	sets, err := rig.store.ListPendingSetsByRule(ctx, "po-invoice")
	require.NoError(t, err)
	assert.Empty(t, sets)

	held, err := rig.store.GetHeld(ctx, poExec)
	require.NoError(t, err)
	assert.Equal(t, datatypes.HeldReconciled, held.Status)

	// The invoice completed the set without ever holding; it still gets
	// a held record so operator views list every member.
	invHeld, err := rig.store.GetHeld(ctx, invExec)
	require.NoError(t, err)
	assert.Equal(t, datatypes.HeldReconciled, invHeld.Status)
	assert.Equal(t, "invoice", invHeld.ExtractorID)
	assert.Equal(t, rig.node.ID, invHeld.NodeID)

	setID := out.Metadata["matching_set_id"].(string)
	set, err := rig.store.GetMatchingSet(ctx, setID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SetReconciled, set.Status)
	assert.Equal(t, "v1", set.VariationID)

	res, err := rig.store.GetComparison(ctx, setID, "total-match")
	require.NoError(t, err)
	assert.Equal(t, datatypes.CompAuto, res.Status)
}

// TestMismatchedTargetHolds verifies a non-matching invoice claims
// nothing and the set stays pending.
func TestMismatchedTargetHolds(t *testing.T) {
	rig := newTestRig(t, poInvoiceConfig(nil))
	ctx := context.Background()

	_, _, err := rig.arrive(t, poDoc("PO-1", 100))
	require.NoError(t, err)

	invExec, out, err := rig.arrive(t, invoiceDoc("PO-OTHER", 100))
	require.NoError(t, err)
	assert.Equal(t, processor.DecisionHold, out.Decision)
	assert.Equal(t, processor.HoldKindReconMatching, out.HoldKind)

	sets, err := rig.store.ListPendingSetsByRule(ctx, "po-invoice")
	require.NoError(t, err)
	require.Len(t, sets, 1)

	docs, err := rig.store.ListSetDocs(ctx, sets[0].ID)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	held, err := rig.store.GetHeld(ctx, invExec)
	require.NoError(t, err)
	assert.Equal(t, datatypes.HeldWaiting, held.Status)
}

// TestAbsentLinkFieldIsNotEvidence verifies a link whose field is
// missing on both documents is no evidence of a match: the target
// claims nothing and holds.
func TestAbsentLinkFieldIsNotEvidence(t *testing.T) {
	rig := newTestRig(t, poInvoiceConfig(nil))
	ctx := context.Background()

	po := poDoc("PO-1", 100)
	delete(po, "number")
	_, _, err := rig.arrive(t, po)
	require.NoError(t, err)

	inv := invoiceDoc("PO-1", 100)
	delete(inv, "po_number")
	invExec, out, err := rig.arrive(t, inv)
	require.NoError(t, err)
	assert.Equal(t, processor.DecisionHold, out.Decision)
	assert.Equal(t, processor.HoldKindReconMatching, out.HoldKind)

	// An explicit null is no evidence either.
	nilInv := invoiceDoc("PO-1", 100)
	nilInv["po_number"] = nil
	_, out, err = rig.arrive(t, nilInv)
	require.NoError(t, err)
	assert.Equal(t, processor.DecisionHold, out.Decision)

	sets, err := rig.store.ListPendingSetsByRule(ctx, "po-invoice")
	require.NoError(t, err)
	require.Len(t, sets, 1)

	docs, err := rig.store.ListSetDocs(ctx, sets[0].ID)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	held, err := rig.store.GetHeld(ctx, invExec)
	require.NoError(t, err)
	assert.Equal(t, datatypes.HeldWaiting, held.Status)
}

// TestTargetBeforeAnchorHolds verifies a target with no pending set
// waits for its anchor.
func TestTargetBeforeAnchorHolds(t *testing.T) {
	rig := newTestRig(t, poInvoiceConfig(nil))

	_, out, err := rig.arrive(t, invoiceDoc("PO-1", 100))
	require.NoError(t, err)
	assert.Equal(t, processor.DecisionHold, out.Decision)
}

// TestConcurrentArrivalsNoDuplicateClaim verifies overlapping arrivals
// for one rule never produce duplicate anchor sets or double claims.
func TestConcurrentArrivalsNoDuplicateClaim(t *testing.T) {
	rig := newTestRig(t, poInvoiceConfig(nil))
	ctx := context.Background()

	const pairs = 10
	var wg sync.WaitGroup
	for i := 0; i < pairs; i++ {
		number := "PO-" + string(rune('A'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := rig.arrive(t, poDoc(number, 50))
			assert.NoError(t, err)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := rig.arrive(t, invoiceDoc(number, 50))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Between 0 and all sets may still be pending depending on arrival
	// interleaving, but no number may have two sets and no set may have
	// a duplicate role.
	execs, err := rig.store.ListExecutionsByRun(ctx, rig.runID)
	require.NoError(t, err)
	assert.Len(t, execs, pairs*2)

	pending, err := rig.store.ListPendingSetsByRule(ctx, "po-invoice")
	require.NoError(t, err)
	for _, set := range pending {
		docs, err := rig.store.ListSetDocs(ctx, set.ID)
		require.NoError(t, err)
		seen := map[string]bool{}
		for _, doc := range docs {
			assert.False(t, seen[doc.ExtractorID], "duplicate extractor role in set %s", set.ID)
			seen[doc.ExtractorID] = true
		}
	}
}

// TestToleranceAllowsSmallDrift verifies absolute and percent
// tolerances on equality failures.
func TestToleranceAllowsSmallDrift(t *testing.T) {
	cfg := poInvoiceConfig(nil)
	variations := cfg["variations"].([]any)
	comp := variations[0].(map[string]any)["comparisons"].([]any)[0].(map[string]any)
	comp["tolerance"] = map[string]any{"type": "absolute", "value": 0.1}

	rig := newTestRig(t, cfg)

	_, _, err := rig.arrive(t, poDoc("PO-1", 100))
	require.NoError(t, err)

	_, out, err := rig.arrive(t, invoiceDoc("PO-1", 100.05))
	require.NoError(t, err)
	assert.Equal(t, processor.DecisionContinue, out.Decision)
}

// TestComparisonFailureHoldsForReview verifies step 7: matched but
// failing comparisons park the set for review with pending results.
func TestComparisonFailureHoldsForReview(t *testing.T) {
	rig := newTestRig(t, poInvoiceConfig(nil))
	ctx := context.Background()

	_, _, err := rig.arrive(t, poDoc("PO-1", 100))
	require.NoError(t, err)

	invExec, out, err := rig.arrive(t, invoiceDoc("PO-1", 250))
	require.NoError(t, err)
	assert.Equal(t, processor.DecisionHold, out.Decision)
	assert.Equal(t, processor.HoldKindReconReview, out.HoldKind)

	sets, err := rig.store.ListPendingSetsByRule(ctx, "po-invoice")
	require.NoError(t, err)
	require.Len(t, sets, 1)

	res, err := rig.store.GetComparison(ctx, sets[0].ID, "total-match")
	require.NoError(t, err)
	assert.Equal(t, datatypes.CompPending, res.Status)
	assert.NotEmpty(t, res.Detail)

	held, err := rig.store.GetHeld(ctx, invExec)
	require.NoError(t, err)
	assert.Equal(t, datatypes.HeldWaiting, held.Status)
}

// TestSimilarityLink verifies similarity matching claims across minor
// spelling differences.
func TestSimilarityLink(t *testing.T) {
	cfg := poInvoiceConfig(nil)
	variations := cfg["variations"].([]any)
	links := variations[0].(map[string]any)["links"].([]any)
	link := links[0].(map[string]any)
	link["left_field"] = "vendor"
	link["right_field"] = "vendor"
	link["match"] = "similarity"
	link["threshold"] = 0.8

	rig := newTestRig(t, cfg)

	po := poDoc("PO-1", 100)
	po["vendor"] = "ACME Corporation"
	_, _, err := rig.arrive(t, po)
	require.NoError(t, err)

	inv := invoiceDoc("PO-1", 100)
	inv["vendor"] = "ACME Corporatio"
	_, out, err := rig.arrive(t, inv)
	require.NoError(t, err)
	assert.Equal(t, processor.DecisionContinue, out.Decision)
}

// tableConfig adds a line-level comparison paired on sku.
func tableConfig(policy string) map[string]any {
	cfg := poInvoiceConfig(nil)
	variations := cfg["variations"].([]any)
	v := variations[0].(map[string]any)
	v["comparisons"] = []any{
		map[string]any{
			"id":    "line-qty",
			"level": "table",
			"left":  "purchase_order.qty",
			"right": "invoice.qty",
			"table": "lines",
			"table_keys": map[string]any{
				"purchase_order": "sku",
				"invoice":        "sku",
			},
			"missing_row_policy": policy,
		},
	}
	return cfg
}

func withLines(md map[string]any, rows []any) map[string]any {
	md["tables"] = map[string]any{"lines": rows}
	return md
}

// TestTablePairingMissingRowZero verifies the zero policy: a row
// absent on one side compares as zero.
func TestTablePairingMissingRowZero(t *testing.T) {
	rig := newTestRig(t, tableConfig("zero"))

	po := withLines(poDoc("PO-1", 100), []any{
		map[string]any{"sku": "A", "qty": 2.0},
		map[string]any{"sku": "B", "qty": 0.0},
	})
	_, _, err := rig.arrive(t, po)
	require.NoError(t, err)

	inv := withLines(invoiceDoc("PO-1", 100), []any{
		map[string]any{"sku": "A", "qty": 2.0},
	})
	_, out, err := rig.arrive(t, inv)
	require.NoError(t, err)
	assert.Equal(t, processor.DecisionContinue, out.Decision)
}

// TestTablePairingMissingRowFail verifies the fail policy rejects the
// variation when a row is absent.
func TestTablePairingMissingRowFail(t *testing.T) {
	rig := newTestRig(t, tableConfig("fail"))

	po := withLines(poDoc("PO-1", 100), []any{
		map[string]any{"sku": "A", "qty": 2.0},
		map[string]any{"sku": "B", "qty": 1.0},
	})
	_, _, err := rig.arrive(t, po)
	require.NoError(t, err)

	inv := withLines(invoiceDoc("PO-1", 100), []any{
		map[string]any{"sku": "A", "qty": 2.0},
	})
	_, out, err := rig.arrive(t, inv)
	require.NoError(t, err)
	assert.Equal(t, processor.DecisionHold, out.Decision)
	assert.Equal(t, processor.HoldKindReconReview, out.HoldKind)
}

// TestTableQuantityMismatch verifies paired rows actually compare.
func TestTableQuantityMismatch(t *testing.T) {
	rig := newTestRig(t, tableConfig("zero"))

	po := withLines(poDoc("PO-1", 100), []any{
		map[string]any{"sku": "A", "qty": 2.0},
	})
	_, _, err := rig.arrive(t, po)
	require.NoError(t, err)

	inv := withLines(invoiceDoc("PO-1", 100), []any{
		map[string]any{"sku": "A", "qty": 3.0},
	})
	_, out, err := rig.arrive(t, inv)
	require.NoError(t, err)
	assert.Equal(t, processor.DecisionHold, out.Decision)
}

// TestRerunComparisonsIdempotent verifies re-running step 5 with
// unchanged inputs reproduces identical statuses.
func TestRerunComparisonsIdempotent(t *testing.T) {
	rig := newTestRig(t, poInvoiceConfig(nil))
	ctx := context.Background()

	_, _, err := rig.arrive(t, poDoc("PO-1", 100))
	require.NoError(t, err)
	_, out, err := rig.arrive(t, invoiceDoc("PO-1", 100))
	require.NoError(t, err)
	setID := out.Metadata["matching_set_id"].(string)

	before, err := rig.store.ListComparisons(ctx, setID)
	require.NoError(t, err)

	set, err := rig.engine.RerunComparisons(ctx, setID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SetReconciled, set.Status)

	after, err := rig.store.ListComparisons(ctx, setID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	statuses := map[string]datatypes.CompStatus{}
	for _, res := range before {
		statuses[res.CompRuleID] = res.Status
	}
	for _, res := range after {
		assert.Equal(t, statuses[res.CompRuleID], res.Status)
	}
}

// TestForceComparisonForceReconciles verifies the operator force path.
func TestForceComparisonForceReconciles(t *testing.T) {
	rig := newTestRig(t, poInvoiceConfig(nil))
	ctx := context.Background()

	_, _, err := rig.arrive(t, poDoc("PO-1", 100))
	require.NoError(t, err)
	_, out, err := rig.arrive(t, invoiceDoc("PO-1", 250))
	require.NoError(t, err)
	require.Equal(t, processor.DecisionHold, out.Decision)

	sets, err := rig.store.ListPendingSetsByRule(ctx, "po-invoice")
	require.NoError(t, err)
	require.Len(t, sets, 1)
	setID := sets[0].ID

	set, err := rig.engine.ForceComparison(ctx, setID, "total-match")
	require.NoError(t, err)
	assert.Equal(t, datatypes.SetForceReconciled, set.Status)
	assert.Equal(t, "v1", set.VariationID)

	res, err := rig.store.GetComparison(ctx, setID, "total-match")
	require.NoError(t, err)
	assert.Equal(t, datatypes.CompForce, res.Status)

	_, err = rig.engine.ForceComparison(ctx, setID, "no-such-rule")
	assert.ErrorIs(t, err, ErrUnknownComparison)
}

// TestRejectSet verifies rejection cascades to member held documents.
func TestRejectSet(t *testing.T) {
	rig := newTestRig(t, poInvoiceConfig(nil))
	ctx := context.Background()

	poExec, _, err := rig.arrive(t, poDoc("PO-1", 100))
	require.NoError(t, err)
	invExec, _, err := rig.arrive(t, invoiceDoc("PO-1", 250))
	require.NoError(t, err)

	sets, err := rig.store.ListPendingSetsByRule(ctx, "po-invoice")
	require.NoError(t, err)
	require.Len(t, sets, 1)

	set, err := rig.engine.RejectSet(ctx, sets[0].ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SetRejected, set.Status)

	for _, execID := range []string{poExec, invExec} {
		held, err := rig.store.GetHeld(ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, datatypes.HeldRejected, held.Status)
	}

	// A rejected set accepts no further operations.
	_, err = rig.engine.RerunComparisons(ctx, sets[0].ID)
	assert.ErrorIs(t, err, ErrSetState)
}

// TestUnknownExtractorFails verifies documents without a usable
// extractor identity fail the node.
func TestUnknownExtractorFails(t *testing.T) {
	rig := newTestRig(t, poInvoiceConfig(nil))

	_, _, err := rig.arrive(t, map[string]any{"total": 10.0})
	assert.ErrorIs(t, err, ErrMissingExtractor)

	_, _, err = rig.arrive(t, map[string]any{"extractor_id": "receipt"})
	assert.ErrorIs(t, err, ErrMissingExtractor)
}

// TestDecodeRuleValidation exercises config validation.
func TestDecodeRuleValidation(t *testing.T) {
	node := func(cfg map[string]any) datatypes.WorkflowNode {
		return datatypes.WorkflowNode{ID: "n", Kind: datatypes.NodeKindReconciliation, Config: cfg}
	}

	_, err := DecodeRule(node(map[string]any{}))
	assert.ErrorIs(t, err, ErrBadRule)

	cfg := poInvoiceConfig(nil)
	rule, err := DecodeRule(node(cfg))
	require.NoError(t, err)
	assert.Equal(t, "extractor_id", rule.ExtractorKey)
	assert.Equal(t, []string{"purchase_order", "invoice"}, rule.expectedExtractors())

	// Duplicate comparison ids across variations are rejected.
	bad := poInvoiceConfig(nil)
	vs := bad["variations"].([]any)
	second := map[string]any{
		"id": "v2",
		"comparisons": []any{
			map[string]any{"id": "total-match", "level": "header",
				"left": "purchase_order.total", "right": "invoice.total"},
		},
	}
	bad["variations"] = append(vs, second)
	_, err = DecodeRule(node(bad))
	assert.ErrorIs(t, err, ErrBadRule)
}

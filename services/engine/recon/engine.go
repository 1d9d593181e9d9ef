// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recon implements the reconciliation node processor: matching
// documents into sets, comparing them variation by variation, and
// releasing whole sets once they reconcile.
//
// All decision-making for one rule id runs under a strict FIFO guard,
// so two documents arriving for the same rule can never create a
// duplicate anchor set or claim the same target slot.
package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agext/levenshtein"
	"github.com/google/uuid"

	"github.com/docflowio/docflow/services/engine/datatypes"
	"github.com/docflowio/docflow/services/engine/formula"
	"github.com/docflowio/docflow/services/engine/processor"
	"github.com/docflowio/docflow/services/engine/rulelock"
	"github.com/docflowio/docflow/services/engine/store"
)

// Engine is the reconciliation processor.
//
// Thread Safety: safe for concurrent use; per-rule state transitions
// are serialized by the guard.
type Engine struct {
	store  *store.Store
	guard  *rulelock.Guard
	eval   *formula.Evaluator
	logger *slog.Logger
}

// New creates the reconciliation engine.
func New(st *store.Store, guard *rulelock.Guard, eval *formula.Evaluator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, guard: guard, eval: eval, logger: logger}
}

func (e *Engine) Kind() datatypes.NodeKind { return datatypes.NodeKindReconciliation }

// Process runs the matching state machine for one arriving document.
func (e *Engine) Process(ctx context.Context, in *processor.Input) (*processor.Outcome, error) {
	rule, err := DecodeRule(in.Node)
	if err != nil {
		return nil, err
	}

	extractor, _ := in.Metadata[rule.ExtractorKey].(string)
	if extractor == "" {
		return nil, fmt.Errorf("%w: metadata key %q is empty", ErrMissingExtractor, rule.ExtractorKey)
	}
	if extractor != rule.AnchorExtractor && !rule.isTarget(extractor) {
		return nil, fmt.Errorf("%w: %q is neither anchor nor target of rule %s",
			ErrMissingExtractor, extractor, rule.RuleID)
	}

	var out *processor.Outcome
	lockErr := e.guard.Do(ctx, rule.RuleID, func() error {
		var err error
		out, err = e.process(ctx, rule, in, extractor)
		return err
	})
	if lockErr != nil {
		return nil, lockErr
	}
	return out, nil
}

// member is one document already in a matching set.
type member struct {
	execID   string
	metadata map[string]any
}

func (e *Engine) process(ctx context.Context, rule *Rule, in *processor.Input, extractor string) (*processor.Outcome, error) {
	// Anchor documents always open a fresh set.
	if extractor == rule.AnchorExtractor {
		set := &datatypes.MatchingSet{
			ID:                uuid.NewString(),
			RuleID:            rule.RuleID,
			AnchorExecutionID: in.ExecutionID,
			Status:            datatypes.SetPending,
			CreatedAt:         time.Now().UTC(),
		}
		if err := e.store.CreateMatchingSet(ctx, set); err != nil {
			return nil, err
		}
		if err := e.store.AddSetDoc(ctx, &datatypes.SetDoc{
			SetID:       set.ID,
			ExecutionID: in.ExecutionID,
			ExtractorID: extractor,
		}); err != nil {
			return nil, err
		}
		e.logger.Info("anchor opened matching set",
			"rule_id", rule.RuleID, "set_id", set.ID, "execution_id", in.ExecutionID)
		in.Metadata["matching_set_id"] = set.ID
		return e.hold(ctx, rule, in, extractor, processor.HoldKindReconMatching)
	}

	// Target: try to claim a pending set.
	set, err := e.claim(ctx, rule, in, extractor)
	if err != nil {
		return nil, err
	}
	if set == nil {
		// Nothing to claim yet; wait for the anchor (or more targets).
		return e.hold(ctx, rule, in, extractor, processor.HoldKindReconMatching)
	}

	if err := e.store.AddSetDoc(ctx, &datatypes.SetDoc{
		SetID:       set.ID,
		ExecutionID: in.ExecutionID,
		ExtractorID: extractor,
	}); err != nil {
		return nil, err
	}
	in.Metadata["matching_set_id"] = set.ID
	e.logger.Info("target joined matching set",
		"rule_id", rule.RuleID, "set_id", set.ID, "extractor", extractor)

	members, err := e.members(ctx, set.ID)
	if err != nil {
		return nil, err
	}
	// The arriving document's execution record is not updated yet;
	// its live metadata wins.
	members[extractor] = member{execID: in.ExecutionID, metadata: in.Metadata}

	for _, expected := range rule.expectedExtractors() {
		if _, ok := members[expected]; !ok {
			return e.hold(ctx, rule, in, extractor, processor.HoldKindReconMatching)
		}
	}

	return e.compare(ctx, rule, set, members, in, extractor)
}

// claim scans pending sets for one this target document belongs to.
//
// Description:
//
//	Variations are tried in declared order and, within a variation,
//	sets in creation order; the first qualifying pair wins. A document
//	qualifies only when at least one matching link was actually
//	evaluated against a present opposite member and none failed. A
//	link whose field is absent on either side is no evidence: it is
//	skipped, neither passing nor failing.
func (e *Engine) claim(ctx context.Context, rule *Rule, in *processor.Input, extractor string) (*datatypes.MatchingSet, error) {
	sets, err := e.store.ListPendingSetsByRule(ctx, rule.RuleID)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, nil
	}

	type candidate struct {
		set     *datatypes.MatchingSet
		members map[string]member
	}
	candidates := make([]candidate, 0, len(sets))
	for i := range sets {
		members, err := e.members(ctx, sets[i].ID)
		if err != nil {
			return nil, err
		}
		// A set already holding this extractor role cannot take another.
		if _, taken := members[extractor]; taken {
			continue
		}
		candidates = append(candidates, candidate{set: &sets[i], members: members})
	}

	for vi := range rule.Variations {
		v := &rule.Variations[vi]
		for _, cand := range candidates {
			evaluated := 0
			failed := false
			for _, link := range v.Links {
				myField, oppExtractor, oppField, ok := link.touches(extractor)
				if !ok {
					continue
				}
				opp, present := cand.members[oppExtractor]
				if !present {
					continue
				}
				mine, mineOK := in.Metadata[myField]
				theirs, theirsOK := opp.metadata[oppField]
				if !mineOK || mine == nil || !theirsOK || theirs == nil {
					// Two absent values stringify equal; that is not a match.
					continue
				}
				evaluated++
				if !fieldMatches(link, mine, theirs) {
					failed = true
					break
				}
			}
			if evaluated > 0 && !failed {
				return cand.set, nil
			}
		}
	}
	return nil, nil
}

// compare runs step 5: first passing variation reconciles the set and
// releases every member; no pass parks the whole story for review.
func (e *Engine) compare(ctx context.Context, rule *Rule, set *datatypes.MatchingSet, members map[string]member, in *processor.Input, extractor string) (*processor.Outcome, error) {
	records := make(memberRecords, len(members))
	for ext, m := range members {
		records[ext] = m.metadata
	}

	var tried []evaluatedVariation

	for vi := range rule.Variations {
		v := &rule.Variations[vi]
		outcomes, passed, err := e.evaluateVariation(ctx, v, records)
		if err != nil {
			return nil, err
		}
		tried = append(tried, evaluatedVariation{variation: v, outcomes: outcomes})

		if !passed {
			continue
		}

		// Reconciled: persist results, flip the set, release members.
		set.Status = datatypes.SetReconciled
		set.VariationID = v.ID
		if err := e.store.UpdateMatchingSet(ctx, set); err != nil {
			return nil, err
		}
		if err := e.recordOutcomes(ctx, set.ID, tried); err != nil {
			return nil, err
		}

		// The completing document never passed through hold, but it
		// still gets a held record so operator views see every member.
		if err := e.store.PutHeld(ctx, &datatypes.HeldDocument{
			ExecutionID: in.ExecutionID,
			RunID:       in.RunID,
			RuleID:      rule.RuleID,
			ExtractorID: extractor,
			NodeID:      in.Node.ID,
			Status:      datatypes.HeldReconciled,
			Port:        datatypes.PortDefault,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return nil, err
		}

		released := make([]string, 0, len(members)-1)
		for ext, m := range members {
			if ext == extractor {
				continue
			}
			released = append(released, m.execID)
			if err := e.releaseHeld(ctx, m.execID, datatypes.HeldReconciled); err != nil {
				return nil, err
			}
		}

		e.logger.Info("matching set reconciled",
			"rule_id", rule.RuleID,
			"set_id", set.ID,
			"variation_id", v.ID,
			"released", len(released))
		return &processor.Outcome{
			Decision:           processor.DecisionContinue,
			Metadata:           in.Metadata,
			OutputPort:         datatypes.PortDefault,
			ReleasedExecutions: released,
		}, nil
	}

	// No variation passed: persist what was evaluated and park for
	// human review.
	if err := e.recordOutcomes(ctx, set.ID, tried); err != nil {
		return nil, err
	}
	e.logger.Info("matching set awaiting review",
		"rule_id", rule.RuleID, "set_id", set.ID)
	return e.hold(ctx, rule, in, extractor, processor.HoldKindReconReview)
}

// evaluatedVariation pairs a variation with its rule outcomes.
type evaluatedVariation struct {
	variation *Variation
	outcomes  []ruleOutcome
}

// recordOutcomes persists comparison results for every evaluated
// variation: passing rules as auto, failing ones as pending.
func (e *Engine) recordOutcomes(ctx context.Context, setID string, tried []evaluatedVariation) error {
	now := time.Now().UTC()
	for _, ev := range tried {
		for _, oc := range ev.outcomes {
			status := datatypes.CompPending
			if oc.passed {
				status = datatypes.CompAuto
			}
			res := &datatypes.ComparisonResult{
				SetID:       setID,
				CompRuleID:  oc.rule.ID,
				VariationID: ev.variation.ID,
				Status:      status,
				Detail:      oc.detail,
				EvaluatedAt: now,
			}
			if err := e.store.PutComparison(ctx, res); err != nil {
				return err
			}
		}
	}
	return nil
}

// members loads a set's current membership with each member's latest
// metadata.
func (e *Engine) members(ctx context.Context, setID string) (map[string]member, error) {
	docs, err := e.store.ListSetDocs(ctx, setID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]member, len(docs))
	for _, doc := range docs {
		exec, err := e.store.GetExecution(ctx, doc.ExecutionID)
		if err != nil {
			return nil, err
		}
		out[doc.ExtractorID] = member{execID: doc.ExecutionID, metadata: exec.Metadata}
	}
	return out, nil
}

// hold records the held-document row and returns the hold outcome.
func (e *Engine) hold(ctx context.Context, rule *Rule, in *processor.Input, extractor, kind string) (*processor.Outcome, error) {
	held := &datatypes.HeldDocument{
		ExecutionID: in.ExecutionID,
		RunID:       in.RunID,
		RuleID:      rule.RuleID,
		ExtractorID: extractor,
		NodeID:      in.Node.ID,
		Status:      datatypes.HeldWaiting,
		Port:        datatypes.PortDefault,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.PutHeld(ctx, held); err != nil {
		return nil, err
	}
	return &processor.Outcome{
		Decision: processor.DecisionHold,
		Metadata: in.Metadata,
		HoldKind: kind,
	}, nil
}

// releaseHeld flips a member's held record to its terminal state.
func (e *Engine) releaseHeld(ctx context.Context, execID string, status datatypes.HeldStatus) error {
	held, err := e.store.GetHeld(ctx, execID)
	if err != nil {
		return err
	}
	held.Status = status
	return e.store.PutHeld(ctx, held)
}

// fieldMatches evaluates one matching link between two field values.
func fieldMatches(link MatchLink, mine, theirs any) bool {
	a := fmt.Sprint(mine)
	b := fmt.Sprint(theirs)
	switch link.Match {
	case MatchSimilarity:
		return levenshtein.Similarity(a, b, levenshtein.NewParams()) >= link.Threshold
	default:
		return a == b
	}
}

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
	"fmt"
	"time"

	"github.com/docflowio/docflow/services/engine/datatypes"
)

// Out-of-band operations work against persisted state only: they never
// re-enter the matching state machine and never advance documents.
// Operators resume released documents explicitly through the resume
// API.

// ruleForSet recovers a set's rule configuration from the anchor
// execution's run snapshot.
func (e *Engine) ruleForSet(ctx context.Context, set *datatypes.MatchingSet) (*Rule, error) {
	anchor, err := e.store.GetExecution(ctx, set.AnchorExecutionID)
	if err != nil {
		return nil, err
	}
	held, err := e.store.GetHeld(ctx, set.AnchorExecutionID)
	if err != nil {
		return nil, err
	}
	run, err := e.store.GetRun(ctx, anchor.RunID)
	if err != nil {
		return nil, err
	}
	node := run.Graph.NodeByID(held.NodeID)
	if node == nil {
		return nil, fmt.Errorf("%w: node %s missing from run snapshot", ErrBadRule, held.NodeID)
	}
	return DecodeRule(*node)
}

// ForceComparison marks one comparison result as forced by an
// operator. When the forced rule's variation has no remaining pending
// or rejected results, the whole set becomes force-reconciled.
func (e *Engine) ForceComparison(ctx context.Context, setID, compRuleID string) (*datatypes.MatchingSet, error) {
	set, err := e.store.GetMatchingSet(ctx, setID)
	if err != nil {
		return nil, err
	}
	rule, err := e.ruleForSet(ctx, set)
	if err != nil {
		return nil, err
	}

	var out *datatypes.MatchingSet
	err = e.guard.Do(ctx, rule.RuleID, func() error {
		set, err := e.store.GetMatchingSet(ctx, setID)
		if err != nil {
			return err
		}
		if set.Status == datatypes.SetRejected {
			return fmt.Errorf("%w: set %s is rejected", ErrSetState, setID)
		}

		variation, _ := rule.variationOf(compRuleID)
		if variation == nil {
			return fmt.Errorf("%w: %s", ErrUnknownComparison, compRuleID)
		}

		if err := e.store.PutComparison(ctx, &datatypes.ComparisonResult{
			SetID:       setID,
			CompRuleID:  compRuleID,
			VariationID: variation.ID,
			Status:      datatypes.CompForce,
			Detail:      "forced by operator",
			EvaluatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}

		settled, err := e.variationSettled(ctx, setID, variation)
		if err != nil {
			return err
		}
		if settled && set.Status == datatypes.SetPending {
			set.Status = datatypes.SetForceReconciled
			if set.VariationID == "" {
				set.VariationID = variation.ID
			}
			if err := e.store.UpdateMatchingSet(ctx, set); err != nil {
				return err
			}
			e.logger.Info("matching set force-reconciled",
				"set_id", setID, "variation_id", variation.ID)
		}
		out = set
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// variationSettled reports whether every comparison rule of the
// variation has a non-pending, non-rejected result.
func (e *Engine) variationSettled(ctx context.Context, setID string, v *Variation) (bool, error) {
	results, err := e.store.ListComparisons(ctx, setID)
	if err != nil {
		return false, err
	}
	byID := make(map[string]datatypes.CompStatus, len(results))
	for _, res := range results {
		byID[res.CompRuleID] = res.Status
	}
	for _, c := range v.Comparisons {
		status, ok := byID[c.ID]
		if !ok || status == datatypes.CompPending || status == datatypes.CompRejected {
			return false, nil
		}
	}
	return true, nil
}

// RejectSet rejects a matching set and its member held documents.
func (e *Engine) RejectSet(ctx context.Context, setID string) (*datatypes.MatchingSet, error) {
	set, err := e.store.GetMatchingSet(ctx, setID)
	if err != nil {
		return nil, err
	}
	rule, err := e.ruleForSet(ctx, set)
	if err != nil {
		return nil, err
	}

	var out *datatypes.MatchingSet
	err = e.guard.Do(ctx, rule.RuleID, func() error {
		set, err := e.store.GetMatchingSet(ctx, setID)
		if err != nil {
			return err
		}
		if set.Status == datatypes.SetReconciled || set.Status == datatypes.SetForceReconciled {
			return fmt.Errorf("%w: set %s is already reconciled", ErrSetState, setID)
		}
		set.Status = datatypes.SetRejected
		if err := e.store.UpdateMatchingSet(ctx, set); err != nil {
			return err
		}

		docs, err := e.store.ListSetDocs(ctx, setID)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			held, err := e.store.GetHeld(ctx, doc.ExecutionID)
			if err != nil {
				continue
			}
			held.Status = datatypes.HeldRejected
			if err := e.store.PutHeld(ctx, held); err != nil {
				return err
			}
		}
		e.logger.Info("matching set rejected", "set_id", setID, "members", len(docs))
		out = set
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RerunComparisons re-evaluates step 5 against the set's current
// membership, with no re-matching. Identical inputs reproduce
// identical result statuses.
func (e *Engine) RerunComparisons(ctx context.Context, setID string) (*datatypes.MatchingSet, error) {
	set, err := e.store.GetMatchingSet(ctx, setID)
	if err != nil {
		return nil, err
	}
	rule, err := e.ruleForSet(ctx, set)
	if err != nil {
		return nil, err
	}

	var out *datatypes.MatchingSet
	err = e.guard.Do(ctx, rule.RuleID, func() error {
		set, err := e.store.GetMatchingSet(ctx, setID)
		if err != nil {
			return err
		}
		if set.Status == datatypes.SetRejected {
			return fmt.Errorf("%w: set %s is rejected", ErrSetState, setID)
		}

		members, err := e.members(ctx, setID)
		if err != nil {
			return err
		}
		records := make(memberRecords, len(members))
		for ext, m := range members {
			records[ext] = m.metadata
		}

		var tried []evaluatedVariation
		for vi := range rule.Variations {
			v := &rule.Variations[vi]
			outcomes, passed, err := e.evaluateVariation(ctx, v, records)
			if err != nil {
				return err
			}
			tried = append(tried, evaluatedVariation{variation: v, outcomes: outcomes})
			if passed {
				if set.Status == datatypes.SetPending {
					set.Status = datatypes.SetReconciled
					set.VariationID = v.ID
					if err := e.store.UpdateMatchingSet(ctx, set); err != nil {
						return err
					}
				}
				break
			}
		}
		if err := e.recordOutcomes(ctx, setID, tried); err != nil {
			return err
		}
		out = set
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

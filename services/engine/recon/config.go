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
	"encoding/json"
	"fmt"

	"github.com/docflowio/docflow/services/engine/datatypes"
)

// Match kinds for matching links.
const (
	MatchExact      = "exact"
	MatchSimilarity = "similarity"
)

// Comparison rule levels.
const (
	LevelHeader = "header"
	LevelTable  = "table"
)

// Missing-row policies for table comparisons.
const (
	MissingRowZero = "zero"
	MissingRowSkip = "skip"
	MissingRowFail = "fail"
)

// Tolerance relaxes an equality comparison on numeric values.
type Tolerance struct {
	// Type is "absolute" (|l-r| <= Value) or "percent"
	// (|l-r| <= Value*|l|/100).
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

// MatchLink ties one field of one extractor to one field of another.
type MatchLink struct {
	LeftExtractor  string `json:"left_extractor"`
	LeftField      string `json:"left_field"`
	RightExtractor string `json:"right_extractor"`
	RightField     string `json:"right_field"`

	// Match is MatchExact or MatchSimilarity.
	Match string `json:"match"`

	// Threshold is the minimum similarity for MatchSimilarity, in
	// [0,1].
	Threshold float64 `json:"threshold,omitempty"`
}

// touches reports whether the link involves the extractor, returning
// this side's field, the opposite extractor, and its field.
func (l MatchLink) touches(extractor string) (string, string, string, bool) {
	switch extractor {
	case l.LeftExtractor:
		return l.LeftField, l.RightExtractor, l.RightField, true
	case l.RightExtractor:
		return l.RightField, l.LeftExtractor, l.LeftField, true
	default:
		return "", "", "", false
	}
}

// ComparisonRule is one check a variation must pass.
type ComparisonRule struct {
	ID string `json:"id"`

	// Level is LevelHeader or LevelTable.
	Level string `json:"level"`

	// Left and Right are formulas evaluated against the member
	// documents' records; the rule passes when the two values are equal
	// (or within Tolerance for numbers).
	Left  string `json:"left"`
	Right string `json:"right"`

	// Table names the metadata table for LevelTable rules.
	Table string `json:"table,omitempty"`

	// TableKeys maps extractor id to the row-key field used to pair
	// rows across extractors.
	TableKeys map[string]string `json:"table_keys,omitempty"`

	// MissingRowPolicy is MissingRowZero (default), MissingRowSkip, or
	// MissingRowFail.
	MissingRowPolicy string `json:"missing_row_policy,omitempty"`

	Tolerance *Tolerance `json:"tolerance,omitempty"`
}

// Variation is one alternative bundle of matching links and comparison
// rules. The first variation whose comparisons all pass is selected.
type Variation struct {
	ID          string           `json:"id"`
	Links       []MatchLink      `json:"links"`
	Comparisons []ComparisonRule `json:"comparisons"`
}

// Rule is a reconciliation node's full configuration.
type Rule struct {
	// RuleID is the serialization domain: all decision-making for one
	// RuleID runs strictly one call at a time.
	RuleID string `json:"rule_id"`

	AnchorExtractor  string   `json:"anchor_extractor"`
	TargetExtractors []string `json:"target_extractors"`

	// ExtractorKey is the metadata key carrying a document's extractor
	// identity. Defaults to "extractor_id".
	ExtractorKey string `json:"extractor_key,omitempty"`

	Variations []Variation `json:"variations"`
}

// expectedExtractors returns the anchor plus every target role.
func (r *Rule) expectedExtractors() []string {
	out := make([]string, 0, len(r.TargetExtractors)+1)
	out = append(out, r.AnchorExtractor)
	out = append(out, r.TargetExtractors...)
	return out
}

func (r *Rule) isTarget(extractor string) bool {
	for _, t := range r.TargetExtractors {
		if t == extractor {
			return true
		}
	}
	return false
}

// variationOf finds the variation containing a comparison rule.
func (r *Rule) variationOf(compRuleID string) (*Variation, *ComparisonRule) {
	for i := range r.Variations {
		v := &r.Variations[i]
		for j := range v.Comparisons {
			if v.Comparisons[j].ID == compRuleID {
				return v, &v.Comparisons[j]
			}
		}
	}
	return nil, nil
}

// DecodeRule reads a reconciliation node's config block.
//
// Description:
//
//	The node config comes in as generic YAML/JSON data; a JSON
//	round-trip lands it in the typed Rule. Validation is structural
//	only; bad formulas surface at evaluation time like every other
//	node kind.
func DecodeRule(node datatypes.WorkflowNode) (*Rule, error) {
	raw, err := json.Marshal(node.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: %v", ErrBadRule, node.ID, err)
	}
	var rule Rule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil, fmt.Errorf("%w: node %s: %v", ErrBadRule, node.ID, err)
	}

	if rule.RuleID == "" {
		return nil, fmt.Errorf("%w: node %s: rule_id is required", ErrBadRule, node.ID)
	}
	if rule.AnchorExtractor == "" {
		return nil, fmt.Errorf("%w: node %s: anchor_extractor is required", ErrBadRule, node.ID)
	}
	if len(rule.TargetExtractors) == 0 {
		return nil, fmt.Errorf("%w: node %s: at least one target extractor is required", ErrBadRule, node.ID)
	}
	if len(rule.Variations) == 0 {
		return nil, fmt.Errorf("%w: node %s: at least one variation is required", ErrBadRule, node.ID)
	}
	if rule.ExtractorKey == "" {
		rule.ExtractorKey = "extractor_id"
	}

	seenVariations := make(map[string]bool)
	seenComparisons := make(map[string]bool)
	for i, v := range rule.Variations {
		if v.ID == "" {
			return nil, fmt.Errorf("%w: node %s: variation %d has no id", ErrBadRule, node.ID, i)
		}
		if seenVariations[v.ID] {
			return nil, fmt.Errorf("%w: node %s: duplicate variation id %q", ErrBadRule, node.ID, v.ID)
		}
		seenVariations[v.ID] = true

		for j, c := range v.Comparisons {
			if c.ID == "" {
				return nil, fmt.Errorf("%w: node %s: variation %s comparison %d has no id",
					ErrBadRule, node.ID, v.ID, j)
			}
			// ComparisonResults are keyed (setId, compRuleId), so ids
			// must be unique across the whole rule, not per variation.
			if seenComparisons[c.ID] {
				return nil, fmt.Errorf("%w: node %s: duplicate comparison id %q", ErrBadRule, node.ID, c.ID)
			}
			seenComparisons[c.ID] = true

			switch c.Level {
			case LevelHeader:
			case LevelTable:
				if c.Table == "" || len(c.TableKeys) == 0 {
					return nil, fmt.Errorf("%w: node %s: table comparison %q needs table and table_keys",
						ErrBadRule, node.ID, c.ID)
				}
			default:
				return nil, fmt.Errorf("%w: node %s: comparison %q has level %q",
					ErrBadRule, node.ID, c.ID, c.Level)
			}
			if c.Left == "" || c.Right == "" {
				return nil, fmt.Errorf("%w: node %s: comparison %q needs left and right formulas",
					ErrBadRule, node.ID, c.ID)
			}
			switch c.MissingRowPolicy {
			case "", MissingRowZero, MissingRowSkip, MissingRowFail:
			default:
				return nil, fmt.Errorf("%w: node %s: comparison %q has missing_row_policy %q",
					ErrBadRule, node.ID, c.ID, c.MissingRowPolicy)
			}
		}

		for j, l := range v.Links {
			if l.LeftExtractor == "" || l.RightExtractor == "" || l.LeftField == "" || l.RightField == "" {
				return nil, fmt.Errorf("%w: node %s: variation %s link %d is incomplete",
					ErrBadRule, node.ID, v.ID, j)
			}
			switch l.Match {
			case MatchExact:
			case MatchSimilarity:
				if l.Threshold <= 0 || l.Threshold > 1 {
					return nil, fmt.Errorf("%w: node %s: variation %s link %d threshold must be in (0,1]",
						ErrBadRule, node.ID, v.ID, j)
				}
			default:
				return nil, fmt.Errorf("%w: node %s: variation %s link %d has match %q",
					ErrBadRule, node.ID, v.ID, j, l.Match)
			}
		}
	}
	return &rule, nil
}

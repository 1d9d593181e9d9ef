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
	"math"
	"sort"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/docflowio/docflow/services/engine/formula"
)

// memberRecords maps extractor id to that member's latest metadata.
type memberRecords map[string]map[string]any

// ruleOutcome is one comparison rule's evaluation.
type ruleOutcome struct {
	rule   *ComparisonRule
	passed bool
	detail string
}

// evaluateVariation runs every comparison rule of one variation.
//
// Outputs:
//
//	[]ruleOutcome - One entry per rule, in declared order.
//	bool - True when every rule passed.
//	error - Evaluation failure (malformed formula, bad table shape).
func (e *Engine) evaluateVariation(ctx context.Context, v *Variation, records memberRecords) ([]ruleOutcome, bool, error) {
	outcomes := make([]ruleOutcome, 0, len(v.Comparisons))
	allPassed := true
	for i := range v.Comparisons {
		rule := &v.Comparisons[i]
		passed, detail, err := e.evaluateRule(ctx, rule, records)
		if err != nil {
			return nil, false, fmt.Errorf("comparison %s: %w", rule.ID, err)
		}
		if !passed {
			allPassed = false
		}
		outcomes = append(outcomes, ruleOutcome{rule: rule, passed: passed, detail: detail})
	}
	return outcomes, allPassed, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule *ComparisonRule, records memberRecords) (bool, string, error) {
	switch rule.Level {
	case LevelHeader:
		return e.evaluateHeaderRule(ctx, rule, records)
	case LevelTable:
		return e.evaluateTableRule(ctx, rule, records)
	default:
		return false, "", fmt.Errorf("%w: level %q", ErrBadRule, rule.Level)
	}
}

// evaluateHeaderRule evaluates Left and Right against one flat record
// per extractor and compares the values.
func (e *Engine) evaluateHeaderRule(ctx context.Context, rule *ComparisonRule, records memberRecords) (bool, string, error) {
	vars := scopeFromRecords(records)
	left, err := e.eval.Eval(ctx, rule.Left, vars)
	if err != nil {
		return false, "", fmt.Errorf("left: %w", err)
	}
	right, err := e.eval.Eval(ctx, rule.Right, vars)
	if err != nil {
		return false, "", fmt.Errorf("right: %w", err)
	}
	return compareValues(left, right, rule.Tolerance)
}

// evaluateTableRule pairs rows across the participating extractors by
// their configured key fields and compares once per paired key.
func (e *Engine) evaluateTableRule(ctx context.Context, rule *ComparisonRule, records memberRecords) (bool, string, error) {
	// Row index per extractor: key value -> row.
	rows := make(map[string]map[string]map[string]any, len(rule.TableKeys))
	allKeys := make(map[string]bool)
	for extractor, keyField := range rule.TableKeys {
		record, ok := records[extractor]
		if !ok {
			return false, "", fmt.Errorf("extractor %s not in set", extractor)
		}
		byKey := make(map[string]map[string]any)
		for _, row := range tableRows(record, rule.Table) {
			key := fmt.Sprint(row[keyField])
			byKey[key] = row
			allKeys[key] = true
		}
		rows[extractor] = byKey
	}

	// Sorted key order keeps re-runs deterministic.
	keys := make([]string, 0, len(allKeys))
	for k := range allKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	policy := rule.MissingRowPolicy
	if policy == "" {
		policy = MissingRowZero
	}

	for _, key := range keys {
		vars := make(map[string]cty.Value, len(rows))
		skip := false
		for extractor, byKey := range rows {
			row, ok := byKey[key]
			if !ok {
				switch policy {
				case MissingRowSkip:
					skip = true
				case MissingRowFail:
					return false, fmt.Sprintf("row %q missing for %s", key, extractor), nil
				default:
					row = zeroRowLike(rows, key)
				}
			}
			if skip {
				break
			}
			vars[extractor] = formula.ObjectFromMap(row)
		}
		if skip {
			continue
		}

		left, err := e.eval.Eval(ctx, rule.Left, vars)
		if err != nil {
			return false, "", fmt.Errorf("row %q left: %w", key, err)
		}
		right, err := e.eval.Eval(ctx, rule.Right, vars)
		if err != nil {
			return false, "", fmt.Errorf("row %q right: %w", key, err)
		}
		passed, detail, err := compareValues(left, right, rule.Tolerance)
		if err != nil {
			return false, "", fmt.Errorf("row %q: %w", key, err)
		}
		if !passed {
			return false, fmt.Sprintf("row %q: %s", key, detail), nil
		}
	}
	return true, "", nil
}

// tableRows digs the named table out of a member record.
func tableRows(record map[string]any, table string) []map[string]any {
	tables, ok := record["tables"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := tables[table].([]any)
	if !ok {
		return nil
	}
	rows := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if row, ok := r.(map[string]any); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

// zeroRowLike builds a zero-valued row shaped like the rows other
// extractors hold for the key, so formulas still resolve their fields.
func zeroRowLike(rows map[string]map[string]map[string]any, key string) map[string]any {
	zero := make(map[string]any)
	for _, byKey := range rows {
		row, ok := byKey[key]
		if !ok {
			// Shape fallback: any row of this extractor.
			for _, r := range byKey {
				row = r
				break
			}
		}
		for field, value := range row {
			if _, seen := zero[field]; seen {
				continue
			}
			switch value.(type) {
			case float64, int, int64:
				zero[field] = 0.0
			case bool:
				zero[field] = false
			default:
				zero[field] = ""
			}
		}
	}
	return zero
}

// scopeFromRecords exposes each member's metadata as a root variable
// named after its extractor.
func scopeFromRecords(records memberRecords) map[string]cty.Value {
	docs := make(map[string]map[string]any, len(records))
	for extractor, md := range records {
		docs[extractor] = md
	}
	return formula.Scope(docs)
}

// compareValues checks two formula results for equality, relaxed by an
// optional numeric tolerance.
func compareValues(left, right cty.Value, tol *Tolerance) (bool, string, error) {
	ln, lErr := convert.Convert(left, cty.Number)
	rn, rErr := convert.Convert(right, cty.Number)
	if lErr == nil && rErr == nil {
		l, _ := ln.AsBigFloat().Float64()
		r, _ := rn.AsBigFloat().Float64()
		if l == r {
			return true, "", nil
		}
		if tol != nil {
			diff := math.Abs(l - r)
			switch tol.Type {
			case "absolute":
				if diff <= tol.Value {
					return true, "", nil
				}
			case "percent":
				if diff <= tol.Value*math.Abs(l)/100 {
					return true, "", nil
				}
			}
		}
		return false, fmt.Sprintf("%v != %v", l, r), nil
	}

	ls, lErr := convert.Convert(left, cty.String)
	rs, rErr := convert.Convert(right, cty.String)
	if lErr != nil || rErr != nil {
		return false, "", fmt.Errorf("values are not comparable")
	}
	if ls.AsString() == rs.AsString() {
		return true, "", nil
	}
	return false, fmt.Sprintf("%q != %q", ls.AsString(), rs.AsString()), nil
}

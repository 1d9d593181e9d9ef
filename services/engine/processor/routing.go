// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package processor

import (
	"context"
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/docflowio/docflow/services/engine/datatypes"
	"github.com/docflowio/docflow/services/engine/formula"
)

// metadataVars exposes the document's metadata to formulas as the
// root variable `doc`.
func metadataVars(md map[string]any) map[string]cty.Value {
	return map[string]cty.Value{"doc": formula.ObjectFromMap(md)}
}

// fromCty lowers a formula result back into metadata-typed Go values.
func fromCty(v cty.Value) any {
	switch {
	case v.IsNull():
		return nil
	case v.Type() == cty.Bool:
		return v.True()
	case v.Type() == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f
	case v.Type() == cty.String:
		return v.AsString()
	case v.Type().IsTupleType() || v.Type().IsListType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			out = append(out, fromCty(ev))
		}
		return out
	case v.Type().IsObjectType() || v.Type().IsMapType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			kv, ev := it.Element()
			out[kv.AsString()] = fromCty(ev)
		}
		return out
	default:
		return nil
	}
}

// =============================================================================
// IF
// =============================================================================

// IfProcessor routes on a boolean condition: port "true" or "false".
type IfProcessor struct {
	eval *formula.Evaluator
}

func NewIfProcessor(eval *formula.Evaluator) *IfProcessor {
	return &IfProcessor{eval: eval}
}

func (p *IfProcessor) Kind() datatypes.NodeKind { return datatypes.NodeKindIf }

func (p *IfProcessor) Process(ctx context.Context, in *Input) (*Outcome, error) {
	condition, err := requiredString(in.Node, "condition")
	if err != nil {
		return nil, err
	}
	result, err := p.eval.EvalBool(ctx, condition, metadataVars(in.Metadata))
	if err != nil {
		return nil, fmt.Errorf("node %s: condition: %w", in.Node.ID, err)
	}
	port := "false"
	if result {
		port = "true"
	}
	return &Outcome{Decision: DecisionContinue, Metadata: in.Metadata, OutputPort: port}, nil
}

// =============================================================================
// SWITCH
// =============================================================================

// SwitchProcessor evaluates cases in declared order; the first true
// condition's port wins, else the configured fallback port.
type SwitchProcessor struct {
	eval *formula.Evaluator
}

func NewSwitchProcessor(eval *formula.Evaluator) *SwitchProcessor {
	return &SwitchProcessor{eval: eval}
}

func (p *SwitchProcessor) Kind() datatypes.NodeKind { return datatypes.NodeKindSwitch }

func (p *SwitchProcessor) Process(ctx context.Context, in *Input) (*Outcome, error) {
	cases, err := requiredSlice(in.Node, "cases")
	if err != nil {
		return nil, err
	}
	fallback, err := optionalString(in.Node, "fallback_port", datatypes.PortDefault)
	if err != nil {
		return nil, err
	}

	vars := metadataVars(in.Metadata)
	for i, raw := range cases {
		c, ok := raw.(map[string]any)
		if !ok {
			return nil, &ConfigError{NodeID: in.Node.ID, Key: "cases",
				Reason: fmt.Sprintf("case %d must be a mapping", i)}
		}
		condition, _ := c["condition"].(string)
		port, _ := c["port"].(string)
		if condition == "" || port == "" {
			return nil, &ConfigError{NodeID: in.Node.ID, Key: "cases",
				Reason: fmt.Sprintf("case %d needs condition and port", i)}
		}
		matched, err := p.eval.EvalBool(ctx, condition, vars)
		if err != nil {
			return nil, fmt.Errorf("node %s: case %d: %w", in.Node.ID, i, err)
		}
		if matched {
			return &Outcome{Decision: DecisionContinue, Metadata: in.Metadata, OutputPort: port}, nil
		}
	}
	return &Outcome{Decision: DecisionContinue, Metadata: in.Metadata, OutputPort: fallback}, nil
}

// =============================================================================
// SET_VALUE
// =============================================================================

// SetValueProcessor merges computed values into the metadata.
//
// Config `values` maps field names to formulas. With `literal: true`
// the values are stored as-is without evaluation.
type SetValueProcessor struct {
	eval *formula.Evaluator
}

func NewSetValueProcessor(eval *formula.Evaluator) *SetValueProcessor {
	return &SetValueProcessor{eval: eval}
}

func (p *SetValueProcessor) Kind() datatypes.NodeKind { return datatypes.NodeKindSetValue }

func (p *SetValueProcessor) Process(ctx context.Context, in *Input) (*Outcome, error) {
	values, err := requiredMap(in.Node, "values")
	if err != nil {
		return nil, err
	}
	literal, err := optionalBool(in.Node, "literal", false)
	if err != nil {
		return nil, err
	}

	vars := metadataVars(in.Metadata)
	for field, raw := range values {
		if literal {
			in.Metadata[field] = raw
			continue
		}
		src, ok := raw.(string)
		if !ok {
			// Non-string values are always literals.
			in.Metadata[field] = raw
			continue
		}
		result, err := p.eval.Eval(ctx, src, vars)
		if err != nil {
			return nil, fmt.Errorf("node %s: value %q: %w", in.Node.ID, field, err)
		}
		in.Metadata[field] = fromCty(result)
	}
	return &Outcome{Decision: DecisionContinue, Metadata: in.Metadata, OutputPort: datatypes.PortDefault}, nil
}

// =============================================================================
// DATA_MAPPING
// =============================================================================

// DataMappingProcessor projects the current metadata into a fresh
// document through configured target formulas.
type DataMappingProcessor struct {
	eval *formula.Evaluator
}

func NewDataMappingProcessor(eval *formula.Evaluator) *DataMappingProcessor {
	return &DataMappingProcessor{eval: eval}
}

func (p *DataMappingProcessor) Kind() datatypes.NodeKind { return datatypes.NodeKindDataMapping }

func (p *DataMappingProcessor) Process(ctx context.Context, in *Input) (*Outcome, error) {
	mappings, err := requiredMap(in.Node, "mappings")
	if err != nil {
		return nil, err
	}

	vars := metadataVars(in.Metadata)
	mapped := make(map[string]any, len(mappings))
	for target, raw := range mappings {
		src, ok := raw.(string)
		if !ok {
			return nil, &ConfigError{NodeID: in.Node.ID, Key: "mappings",
				Reason: fmt.Sprintf("mapping %q must be a formula string", target)}
		}
		result, err := p.eval.Eval(ctx, src, vars)
		if err != nil {
			return nil, fmt.Errorf("node %s: mapping %q: %w", in.Node.ID, target, err)
		}
		mapped[target] = fromCty(result)
	}
	return &Outcome{Decision: DecisionContinue, Metadata: mapped, OutputPort: datatypes.PortDefault}, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package formula evaluates user-authored expressions inside a hard time
// budget.
//
// Routing conditions, data-mapping expressions, and reconciliation
// comparison formulas are all user input. They run through HCL's
// expression syntax over cty values: a restricted expression language,
// not a general scripting engine. Every evaluation is wrapped in a
// watchdog so a malformed or adversarial expression cannot hang a run.
//
// # Thread Safety
//
// Evaluator is safe for concurrent use.
package formula

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// DefaultBudget bounds a single expression evaluation when the caller
// does not configure one.
const DefaultBudget = 250 * time.Millisecond

// Evaluator parses and evaluates expressions with a wall-clock budget.
type Evaluator struct {
	budget time.Duration
	funcs  map[string]function.Function
}

// New creates an Evaluator.
//
// Inputs:
//
//	budget - Maximum wall-clock time per evaluation. Zero or negative
//	         falls back to DefaultBudget.
func New(budget time.Duration) *Evaluator {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Evaluator{
		budget: budget,
		funcs: map[string]function.Function{
			"abs":      stdlib.AbsoluteFunc,
			"max":      stdlib.MaxFunc,
			"min":      stdlib.MinFunc,
			"upper":    stdlib.UpperFunc,
			"lower":    stdlib.LowerFunc,
			"trim":     stdlib.TrimSpaceFunc,
			"strlen":   stdlib.StrlenFunc,
			"coalesce": stdlib.CoalesceFunc,
		},
	}
}

// Eval parses and evaluates one expression against a variable scope.
//
// Description:
//
//	The expression runs on its own goroutine and is abandoned when the
//	budget or the caller's context expires. cty evaluation cannot be
//	interrupted mid-flight, so a timed-out evaluation leaks its
//	goroutine until the expression finishes; the budget exists to keep
//	the run moving, not to reclaim the work.
//
// Inputs:
//
//	ctx - Caller context; cancellation is honored alongside the budget.
//	src - Expression source, e.g. `po.total - inv.total <= 0.05`.
//	vars - Variable scope keyed by root name.
//
// Outputs:
//
//	cty.Value - The evaluated value.
//	error - ErrMalformed for parse/eval diagnostics, ErrBudgetExceeded
//	        when the watchdog fires.
func (e *Evaluator) Eval(ctx context.Context, src string, vars map[string]cty.Value) (cty.Value, error) {
	if err := ctx.Err(); err != nil {
		return cty.NilVal, fmt.Errorf("%w: %v", ErrBudgetExceeded, err)
	}

	expr, diags := hclsyntax.ParseExpression([]byte(src), "formula", hcl.InitialPos)
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("%w: %s", ErrMalformed, diags.Error())
	}

	ectx := &hcl.EvalContext{
		Variables: vars,
		Functions: e.funcs,
	}

	type outcome struct {
		val   cty.Value
		diags hcl.Diagnostics
	}
	resCh := make(chan outcome, 1)
	go func() {
		val, evalDiags := expr.Value(ectx)
		resCh <- outcome{val: val, diags: evalDiags}
	}()

	timer := time.NewTimer(e.budget)
	defer timer.Stop()

	select {
	case res := <-resCh:
		if res.diags.HasErrors() {
			return cty.NilVal, fmt.Errorf("%w: %s", ErrMalformed, res.diags.Error())
		}
		if !res.val.IsKnown() || res.val.IsNull() {
			return cty.NilVal, fmt.Errorf("%w: expression produced no value", ErrMalformed)
		}
		return res.val, nil
	case <-timer.C:
		return cty.NilVal, fmt.Errorf("%w: budget %s", ErrBudgetExceeded, e.budget)
	case <-ctx.Done():
		return cty.NilVal, fmt.Errorf("%w: %v", ErrBudgetExceeded, ctx.Err())
	}
}

// EvalBool evaluates an expression and converts the result to bool.
func (e *Evaluator) EvalBool(ctx context.Context, src string, vars map[string]cty.Value) (bool, error) {
	val, err := e.Eval(ctx, src, vars)
	if err != nil {
		return false, err
	}
	conv, err := convert.Convert(val, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("%w: not a boolean: %v", ErrMalformed, err)
	}
	return conv.True(), nil
}

// EvalNumber evaluates an expression and converts the result to float64.
func (e *Evaluator) EvalNumber(ctx context.Context, src string, vars map[string]cty.Value) (float64, error) {
	val, err := e.Eval(ctx, src, vars)
	if err != nil {
		return 0, err
	}
	conv, err := convert.Convert(val, cty.Number)
	if err != nil {
		return 0, fmt.Errorf("%w: not a number: %v", ErrMalformed, err)
	}
	f, _ := conv.AsBigFloat().Float64()
	return f, nil
}

// Budget returns the evaluator's configured time budget.
func (e *Evaluator) Budget() time.Duration {
	return e.budget
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import "fmt"

// Key layout. Values are JSON. Index keys (run_exec, rule_set) carry no
// payload; the referenced id is the key suffix.
//
//	run:<runID>                      WorkflowRun
//	run_exec:<runID>:<execID>        index -> DocumentExecution
//	exec:<execID>                    DocumentExecution
//	log:<execID>:<seq8>              NodeExecutionLog
//	set:<setID>                      MatchingSet
//	rule_set:<ruleID>:<setID>        index -> MatchingSet
//	setdoc:<setID>:<extractorID>     SetDoc
//	cmp:<setID>:<compRuleID>         ComparisonResult
//	held:<execID>                    HeldDocument
const (
	prefixRun     = "run:"
	prefixRunExec = "run_exec:"
	prefixExec    = "exec:"
	prefixLog     = "log:"
	prefixSet     = "set:"
	prefixRuleSet = "rule_set:"
	prefixSetDoc  = "setdoc:"
	prefixCmp     = "cmp:"
	prefixHeld    = "held:"
)

func runKey(runID string) []byte { return []byte(prefixRun + runID) }

func runExecKey(runID, execID string) []byte {
	return []byte(prefixRunExec + runID + ":" + execID)
}

func runExecPrefix(runID string) []byte { return []byte(prefixRunExec + runID + ":") }

func execKey(execID string) []byte { return []byte(prefixExec + execID) }

// logKey zero-pads seq so lexicographic key order is visit order.
func logKey(execID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s:%08d", prefixLog, execID, seq))
}

func logPrefix(execID string) []byte { return []byte(prefixLog + execID + ":") }

func setKey(setID string) []byte { return []byte(prefixSet + setID) }

func ruleSetKey(ruleID, setID string) []byte {
	return []byte(prefixRuleSet + ruleID + ":" + setID)
}

func ruleSetPrefix(ruleID string) []byte { return []byte(prefixRuleSet + ruleID + ":") }

func setDocKey(setID, extractorID string) []byte {
	return []byte(prefixSetDoc + setID + ":" + extractorID)
}

func setDocPrefix(setID string) []byte { return []byte(prefixSetDoc + setID + ":") }

func cmpKey(setID, compRuleID string) []byte {
	return []byte(prefixCmp + setID + ":" + compRuleID)
}

func cmpPrefix(setID string) []byte { return []byte(prefixCmp + setID + ":") }

func heldKey(execID string) []byte { return []byte(prefixHeld + execID) }

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// SetStatus is the lifecycle status of a MatchingSet.
type SetStatus string

const (
	// SetPending indicates the set is still collecting documents or
	// awaiting comparison/human review.
	SetPending SetStatus = "pending"

	// SetReconciled indicates a variation's comparisons all passed.
	SetReconciled SetStatus = "reconciled"

	// SetRejected indicates an operator rejected the set.
	SetRejected SetStatus = "rejected"

	// SetForceReconciled indicates an operator forced the remaining
	// comparisons through.
	SetForceReconciled SetStatus = "force_reconciled"
)

// MatchingSet groups documents believed to represent one real-world
// transaction. One set exists per anchor document entering a
// reconciliation node.
type MatchingSet struct {
	ID     string `json:"id"`
	RuleID string `json:"rule_id"`

	// VariationID is assigned once a variation is selected (first to
	// pass, or the variation of a forced comparison).
	VariationID string `json:"variation_id,omitempty"`

	AnchorExecutionID string    `json:"anchor_execution_id"`
	Status            SetStatus `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SetDoc is a document's membership in a matching set. ExtractorID is
// unique within one set; the store rejects duplicates.
type SetDoc struct {
	SetID       string    `json:"set_id"`
	ExecutionID string    `json:"execution_id"`
	ExtractorID string    `json:"extractor_id"`
	AddedAt     time.Time `json:"added_at"`
}

// CompStatus is the status of one ComparisonResult.
type CompStatus string

const (
	CompPending  CompStatus = "pending"
	CompAuto     CompStatus = "auto"
	CompForce    CompStatus = "force"
	CompRejected CompStatus = "rejected"
)

// ComparisonResult records the outcome of one comparison rule against
// one matching set. One row per (set, comparison rule).
type ComparisonResult struct {
	SetID       string     `json:"set_id"`
	CompRuleID  string     `json:"comp_rule_id"`
	VariationID string     `json:"variation_id"`
	Status      CompStatus `json:"status"`

	// Detail captures the evaluated values or failure reason for
	// operator review.
	Detail      string    `json:"detail,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// HeldStatus is the operator-visible state of a held document.
type HeldStatus string

const (
	HeldWaiting    HeldStatus = "held"
	HeldRejected   HeldStatus = "rejected"
	HeldReconciled HeldStatus = "reconciled"
)

// HeldDocument tracks every document that ever entered reconciliation,
// independent of set membership, with the node and port to resume from.
type HeldDocument struct {
	ExecutionID string     `json:"execution_id"`
	RunID       string     `json:"run_id"`
	RuleID      string     `json:"rule_id"`
	ExtractorID string     `json:"extractor_id"`
	NodeID      string     `json:"node_id"`
	Status      HeldStatus `json:"status"`
	Port        string     `json:"port,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

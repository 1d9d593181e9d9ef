// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package processor defines the node processor contract and the
// built-in processors for every node kind.
//
// A processor receives a deep copy of the document's metadata and
// returns an Outcome telling the coordinator how to proceed: continue
// along an output port, fan out into sub-documents, or hold. Processor
// errors fail the document; the coordinator never retries.
package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/docflowio/docflow/services/engine/datatypes"
)

// Decision tells the coordinator what to do after a node completes.
type Decision int

const (
	// DecisionContinue routes the document along OutputPort.
	DecisionContinue Decision = iota

	// DecisionFanout completes this document and seeds one new
	// execution per sub-document at the node's successors.
	DecisionFanout

	// DecisionHold suspends the document for operator review or an
	// out-of-band release.
	DecisionHold
)

func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionFanout:
		return "fanout"
	case DecisionHold:
		return "hold"
	default:
		return "unknown"
	}
}

// Hold kinds, the operator-visible review queues.
const (
	HoldKindFolder        = "document_folder"
	HoldKindExtractor     = "extractor_hold"
	HoldKindReconMatching = "reconciliation_matching"
	HoldKindReconReview   = "reconciliation_review"
)

// SubDocument is one part produced by a fan-out node.
type SubDocument struct {
	Content map[string]any
	Label   string
}

// Input is what a processor sees for one node visit.
type Input struct {
	// Node is the visited node from the run's graph snapshot.
	Node datatypes.WorkflowNode

	// Metadata is a deep copy of the document's metadata; the processor
	// owns it and may mutate it freely.
	Metadata map[string]any

	RunID       string
	ExecutionID string

	// DocumentID identifies the backing document record, when one
	// exists. Sub-documents seeded by fan-out carry their own.
	DocumentID string
}

// Outcome is a processor's verdict for one node visit.
type Outcome struct {
	Decision Decision

	// Metadata is the (possibly mutated) metadata to carry forward.
	Metadata map[string]any

	// OutputPort selects outgoing edges on DecisionContinue. Empty
	// means the default port, which broadcasts across every outgoing
	// edge.
	OutputPort string

	// SubDocuments are the fan-out parts on DecisionFanout.
	SubDocuments []SubDocument

	// HoldKind names the review queue on DecisionHold.
	HoldKind string

	// ReleasedExecutions are held executions to advance alongside this
	// one (reconciliation set completion).
	ReleasedExecutions []string
}

// Processor handles one node kind.
//
// Thread Safety: implementations must be safe for concurrent use; one
// processor instance serves every run.
type Processor interface {
	Kind() datatypes.NodeKind
	Process(ctx context.Context, in *Input) (*Outcome, error)
}

// Registry maps node kinds to processors.
//
// Thread Safety: safe for concurrent use. Registration normally
// happens once at wiring time.
type Registry struct {
	mu         sync.RWMutex
	processors map[datatypes.NodeKind]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[datatypes.NodeKind]Processor)}
}

// Register adds a processor. Registering the same kind twice is a
// wiring bug and panics.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processors[p.Kind()]; ok {
		panic(fmt.Sprintf("processor for kind %q registered twice", p.Kind()))
	}
	r.processors[p.Kind()] = p
}

// Get returns the processor for a kind.
func (r *Registry) Get(kind datatypes.NodeKind) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return p, nil
}

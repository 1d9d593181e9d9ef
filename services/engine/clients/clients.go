// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clients defines the engine's collaborator interfaces and
// their JSON-over-HTTP implementations.
//
// The engine core never talks to the outside world directly; every
// node processor that needs a workflow graph, a document record, an
// extraction, a classification, a split, or a generic HTTP call goes
// through one of these interfaces. Production wiring uses the HTTP
// implementations in this package; tests substitute in-memory fakes.
package clients

import (
	"context"

	"github.com/docflowio/docflow/services/engine/datatypes"
)

// Document is a document record as the engine sees it: identity plus
// structured metadata. File bytes never pass through the engine.
type Document struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ExtractionResult is the structured output of an extraction call.
type ExtractionResult struct {
	// Header holds scalar fields keyed by field name.
	Header map[string]any `json:"header,omitempty"`

	// Tables holds repeating line data keyed by table name.
	Tables map[string][]map[string]any `json:"tables,omitempty"`
}

// SplitPart is one piece of a split document.
type SplitPart struct {
	Content map[string]any `json:"content,omitempty"`
	Label   string         `json:"label,omitempty"`
}

// HTTPResponse is the result of a generic outbound HTTP call.
type HTTPResponse struct {
	Status int `json:"status"`
	Body   any `json:"body,omitempty"`
}

// GraphStore loads workflow definitions.
//
// Thread Safety: implementations must be safe for concurrent use; the
// coordinator snapshots the returned graph into the run record, so
// later mutations of the source definition never affect a running run.
type GraphStore interface {
	// Graph returns the workflow's node/edge definition.
	Graph(ctx context.Context, workflowID string) (*datatypes.WorkflowGraph, error)
}

// DocumentStore reads and creates document records (metadata only).
type DocumentStore interface {
	Get(ctx context.Context, documentID string) (*Document, error)
	Create(ctx context.Context, doc *Document) (*Document, error)
}

// ExtractionService extracts structured data from a document under a
// named schema.
type ExtractionService interface {
	Extract(ctx context.Context, doc Document, schema string) (*ExtractionResult, error)
}

// ClassificationService assigns one of the candidate labels to a
// document.
type ClassificationService interface {
	Classify(ctx context.Context, doc Document, labels []string) (string, error)
}

// SplittingService splits one document into parts per the given
// instructions.
type SplittingService interface {
	Split(ctx context.Context, doc Document, instructions string) ([]SplitPart, error)
}

// HTTPCaller performs generic outbound HTTP requests for http nodes.
//
// Thread Safety: implementations must be safe for concurrent use.
type HTTPCaller interface {
	Request(ctx context.Context, method, url string, headers map[string]string, body any) (*HTTPResponse, error)
}

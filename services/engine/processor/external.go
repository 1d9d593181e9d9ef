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
	"strings"

	"github.com/docflowio/docflow/services/engine/clients"
	"github.com/docflowio/docflow/services/engine/datatypes"
)

func inputDocument(in *Input) clients.Document {
	return clients.Document{ID: in.DocumentID, Metadata: in.Metadata}
}

// =============================================================================
// Splitting
// =============================================================================

// SplittingProcessor fans a document out into parts.
type SplittingProcessor struct {
	splitter clients.SplittingService
}

func NewSplittingProcessor(splitter clients.SplittingService) *SplittingProcessor {
	return &SplittingProcessor{splitter: splitter}
}

func (p *SplittingProcessor) Kind() datatypes.NodeKind { return datatypes.NodeKindSplitting }

func (p *SplittingProcessor) Process(ctx context.Context, in *Input) (*Outcome, error) {
	instructions, err := requiredString(in.Node, "instructions")
	if err != nil {
		return nil, err
	}
	parts, err := p.splitter.Split(ctx, inputDocument(in), instructions)
	if err != nil {
		return nil, fmt.Errorf("node %s: split: %w", in.Node.ID, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("node %s: split produced no parts", in.Node.ID)
	}

	subs := make([]SubDocument, 0, len(parts))
	for _, part := range parts {
		subs = append(subs, SubDocument{Content: part.Content, Label: part.Label})
	}
	return &Outcome{Decision: DecisionFanout, Metadata: in.Metadata, SubDocuments: subs}, nil
}

// =============================================================================
// HTTP
// =============================================================================

// HTTPProcessor performs a generic outbound HTTP call and stores the
// response in the metadata.
type HTTPProcessor struct {
	caller clients.HTTPCaller
}

func NewHTTPProcessor(caller clients.HTTPCaller) *HTTPProcessor {
	return &HTTPProcessor{caller: caller}
}

func (p *HTTPProcessor) Kind() datatypes.NodeKind { return datatypes.NodeKindHTTP }

func (p *HTTPProcessor) Process(ctx context.Context, in *Input) (*Outcome, error) {
	method, err := optionalString(in.Node, "method", "POST")
	if err != nil {
		return nil, err
	}
	url, err := requiredString(in.Node, "url")
	if err != nil {
		return nil, err
	}
	headers, err := stringMap(in.Node, "headers")
	if err != nil {
		return nil, err
	}
	bodyField, err := optionalString(in.Node, "body_field", "")
	if err != nil {
		return nil, err
	}
	outputField, err := optionalString(in.Node, "output_field", "http_response")
	if err != nil {
		return nil, err
	}
	failOnError, err := optionalBool(in.Node, "fail_on_error", false)
	if err != nil {
		return nil, err
	}

	var body any
	if bodyField != "" {
		body = in.Metadata[bodyField]
	} else {
		body = in.Metadata
	}

	resp, err := p.caller.Request(ctx, strings.ToUpper(method), url, headers, body)
	if err != nil {
		return nil, fmt.Errorf("node %s: http call: %w", in.Node.ID, err)
	}
	if failOnError && (resp.Status < 200 || resp.Status >= 300) {
		return nil, fmt.Errorf("node %s: http call returned status %d", in.Node.ID, resp.Status)
	}

	in.Metadata[outputField] = map[string]any{
		"status": float64(resp.Status),
		"body":   resp.Body,
	}
	return &Outcome{Decision: DecisionContinue, Metadata: in.Metadata, OutputPort: datatypes.PortDefault}, nil
}

// =============================================================================
// Extraction
// =============================================================================

// ExtractionProcessor extracts structured data under a named schema
// and records which extractor produced it.
type ExtractionProcessor struct {
	extractor clients.ExtractionService
}

func NewExtractionProcessor(extractor clients.ExtractionService) *ExtractionProcessor {
	return &ExtractionProcessor{extractor: extractor}
}

func (p *ExtractionProcessor) Kind() datatypes.NodeKind { return datatypes.NodeKindExtraction }

func (p *ExtractionProcessor) Process(ctx context.Context, in *Input) (*Outcome, error) {
	schema, err := requiredString(in.Node, "schema")
	if err != nil {
		return nil, err
	}
	extractorID, err := optionalString(in.Node, "extractor_id", in.Node.ID)
	if err != nil {
		return nil, err
	}

	result, err := p.extractor.Extract(ctx, inputDocument(in), schema)
	if err != nil {
		return nil, fmt.Errorf("node %s: extract: %w", in.Node.ID, err)
	}

	for field, value := range result.Header {
		in.Metadata[field] = value
	}
	if len(result.Tables) > 0 {
		tables := make(map[string]any, len(result.Tables))
		for name, rows := range result.Tables {
			generic := make([]any, 0, len(rows))
			for _, row := range rows {
				generic = append(generic, row)
			}
			tables[name] = generic
		}
		in.Metadata["tables"] = tables
	}
	in.Metadata["extractor_id"] = extractorID

	return &Outcome{Decision: DecisionContinue, Metadata: in.Metadata, OutputPort: datatypes.PortDefault}, nil
}

// =============================================================================
// Classification
// =============================================================================

// ClassificationProcessor assigns a label and routes by it: the label
// is the output port.
type ClassificationProcessor struct {
	classifier clients.ClassificationService
}

func NewClassificationProcessor(classifier clients.ClassificationService) *ClassificationProcessor {
	return &ClassificationProcessor{classifier: classifier}
}

func (p *ClassificationProcessor) Kind() datatypes.NodeKind { return datatypes.NodeKindClassification }

func (p *ClassificationProcessor) Process(ctx context.Context, in *Input) (*Outcome, error) {
	labels, err := stringSlice(in.Node, "labels")
	if err != nil {
		return nil, err
	}

	label, err := p.classifier.Classify(ctx, inputDocument(in), labels)
	if err != nil {
		return nil, fmt.Errorf("node %s: classify: %w", in.Node.ID, err)
	}
	if label == "" {
		return nil, fmt.Errorf("node %s: classifier returned no label", in.Node.ID)
	}

	in.Metadata["classification"] = label
	return &Outcome{Decision: DecisionContinue, Metadata: in.Metadata, OutputPort: label}, nil
}

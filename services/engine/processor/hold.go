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

	"github.com/docflowio/docflow/services/engine/datatypes"
)

// FolderProcessor parks documents in an operator-visible folder.
// Resume is always explicit.
type FolderProcessor struct{}

func NewFolderProcessor() *FolderProcessor { return &FolderProcessor{} }

func (p *FolderProcessor) Kind() datatypes.NodeKind { return datatypes.NodeKindDocumentFolder }

func (p *FolderProcessor) Process(_ context.Context, in *Input) (*Outcome, error) {
	return &Outcome{Decision: DecisionHold, Metadata: in.Metadata, HoldKind: HoldKindFolder}, nil
}

// ExtractorHoldProcessor parks documents awaiting an extractor-side
// review before continuing.
type ExtractorHoldProcessor struct{}

func NewExtractorHoldProcessor() *ExtractorHoldProcessor { return &ExtractorHoldProcessor{} }

func (p *ExtractorHoldProcessor) Kind() datatypes.NodeKind { return datatypes.NodeKindExtractorHold }

func (p *ExtractorHoldProcessor) Process(_ context.Context, in *Input) (*Outcome, error) {
	return &Outcome{Decision: DecisionHold, Metadata: in.Metadata, HoldKind: HoldKindExtractor}, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"
	"fmt"

	"github.com/docflowio/docflow/services/engine/datatypes"
)

var (
	// ErrEmptyGraph is returned when a graph snapshot has no nodes.
	ErrEmptyGraph = errors.New("workflow graph has no nodes")

	// ErrUnknownNode is returned when an edge references a missing node.
	ErrUnknownNode = errors.New("edge references unknown node")
)

// EdgeError wraps an error with the offending edge.
type EdgeError struct {
	Edge datatypes.WorkflowEdge
	Err  error
}

// Error returns the error message.
func (e *EdgeError) Error() string {
	return fmt.Sprintf("edge %s[%s] -> %s[%s]: %v",
		e.Edge.SourceNodeID, e.Edge.SourcePort,
		e.Edge.TargetNodeID, e.Edge.TargetPort, e.Err)
}

// Unwrap returns the underlying error.
func (e *EdgeError) Unwrap() error {
	return e.Err
}

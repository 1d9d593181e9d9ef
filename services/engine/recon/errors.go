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

import "errors"

var (
	// ErrBadRule indicates a reconciliation node's config block is
	// missing or structurally invalid.
	ErrBadRule = errors.New("bad reconciliation rule")

	// ErrMissingExtractor indicates the arriving document carries no
	// extractor identity, or one the rule does not know.
	ErrMissingExtractor = errors.New("unknown extractor identity")

	// ErrSetState indicates an out-of-band operation targeted a set in
	// an incompatible state.
	ErrSetState = errors.New("matching set state does not allow this operation")

	// ErrUnknownComparison indicates the comparison rule id does not
	// exist in the set's rule configuration.
	ErrUnknownComparison = errors.New("unknown comparison rule")
)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import "errors"

var (
	// ErrNotResumable indicates a resume targeted an execution that is
	// not held or unrouted. Surfaced loudly, never silently applied.
	ErrNotResumable = errors.New("execution is not held or unrouted")

	// ErrRunMismatch indicates the resume request named a run the
	// execution does not belong to.
	ErrRunMismatch = errors.New("execution does not belong to run")

	// ErrOrphaned indicates the requested entry node is missing from
	// the run's graph snapshot.
	ErrOrphaned = errors.New("entry node missing from run snapshot")

	// ErrNoDocuments indicates a start-run request with nothing to run.
	ErrNoDocuments = errors.New("run needs at least one document")

	// ErrPortDeadEnd indicates a resume port that matches no edge of
	// the source node.
	ErrPortDeadEnd = errors.New("port matches no outgoing edge")
)

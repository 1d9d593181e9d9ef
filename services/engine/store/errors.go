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

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConsistency indicates a stored invariant was violated, such as
	// a duplicate key or a second open log row. These are engine bugs and
	// are surfaced loudly rather than repaired.
	ErrConsistency = errors.New("state store consistency violation")

	// ErrSweepFailed indicates the startup recovery sweep could not
	// complete. Callers log and continue; the sweep never blocks startup.
	ErrSweepFailed = errors.New("startup sweep failed")
)

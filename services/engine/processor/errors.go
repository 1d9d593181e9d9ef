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
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind indicates no processor is registered for a node's
	// kind.
	ErrUnknownKind = errors.New("unknown node kind")

	// ErrBadConfig indicates a node's config block is missing or
	// malformed. This fails the document; configs are not validated at
	// definition time.
	ErrBadConfig = errors.New("bad node config")
)

// ConfigError wraps ErrBadConfig with the node and offending key.
type ConfigError struct {
	NodeID string
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("node %s: config key %q: %s", e.NodeID, e.Key, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrBadConfig }

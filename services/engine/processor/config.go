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
	"github.com/docflowio/docflow/services/engine/datatypes"
)

// requiredString reads a mandatory string config key.
func requiredString(node datatypes.WorkflowNode, key string) (string, error) {
	raw, ok := node.Config[key]
	if !ok {
		return "", &ConfigError{NodeID: node.ID, Key: key, Reason: "missing"}
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", &ConfigError{NodeID: node.ID, Key: key, Reason: "must be a non-empty string"}
	}
	return s, nil
}

// optionalString reads a string config key with a fallback.
func optionalString(node datatypes.WorkflowNode, key, fallback string) (string, error) {
	raw, ok := node.Config[key]
	if !ok {
		return fallback, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", &ConfigError{NodeID: node.ID, Key: key, Reason: "must be a string"}
	}
	return s, nil
}

// optionalBool reads a bool config key with a fallback.
func optionalBool(node datatypes.WorkflowNode, key string, fallback bool) (bool, error) {
	raw, ok := node.Config[key]
	if !ok {
		return fallback, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, &ConfigError{NodeID: node.ID, Key: key, Reason: "must be a boolean"}
	}
	return b, nil
}

// requiredMap reads a mandatory map config key.
func requiredMap(node datatypes.WorkflowNode, key string) (map[string]any, error) {
	raw, ok := node.Config[key]
	if !ok {
		return nil, &ConfigError{NodeID: node.ID, Key: key, Reason: "missing"}
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, &ConfigError{NodeID: node.ID, Key: key, Reason: "must be a mapping"}
	}
	return m, nil
}

// requiredSlice reads a mandatory list config key.
func requiredSlice(node datatypes.WorkflowNode, key string) ([]any, error) {
	raw, ok := node.Config[key]
	if !ok {
		return nil, &ConfigError{NodeID: node.ID, Key: key, Reason: "missing"}
	}
	s, ok := raw.([]any)
	if !ok {
		return nil, &ConfigError{NodeID: node.ID, Key: key, Reason: "must be a list"}
	}
	return s, nil
}

// stringSlice reads a mandatory list of strings.
func stringSlice(node datatypes.WorkflowNode, key string) ([]string, error) {
	raw, err := requiredSlice(node, key)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, &ConfigError{NodeID: node.ID, Key: key, Reason: "must be a list of strings"}
		}
		out = append(out, s)
	}
	return out, nil
}

// stringMap reads an optional map of string values.
func stringMap(node datatypes.WorkflowNode, key string) (map[string]string, error) {
	raw, ok := node.Config[key]
	if !ok {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, &ConfigError{NodeID: node.ID, Key: key, Reason: "must be a mapping"}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, &ConfigError{NodeID: node.ID, Key: key, Reason: "values must be strings"}
		}
		out[k] = s
	}
	return out, nil
}

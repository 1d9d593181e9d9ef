// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package formula

import (
	"encoding/json"
	"fmt"

	"github.com/zclconf/go-cty/cty"
)

// FromAny converts a JSON-typed Go value into a cty value.
//
// Description:
//
//	Metadata documents are JSON-typed (string, float64, bool, nil,
//	map[string]any, []any) because they round-trip through the state
//	store. Unknown Go types fall back through a JSON re-encode so
//	numeric aliases (int, json.Number) land as numbers.
func FromAny(v any) cty.Value {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType)
	case bool:
		return cty.BoolVal(t)
	case string:
		return cty.StringVal(t)
	case float64:
		return cty.NumberFloatVal(t)
	case int:
		return cty.NumberIntVal(int64(t))
	case int64:
		return cty.NumberIntVal(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return cty.NumberFloatVal(f)
		}
		return cty.StringVal(t.String())
	case map[string]any:
		return ObjectFromMap(t)
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal
		}
		vals := make([]cty.Value, 0, len(t))
		for _, el := range t {
			vals = append(vals, FromAny(el))
		}
		return cty.TupleVal(vals)
	default:
		// Fall back through JSON for exotic numeric/struct types.
		data, err := json.Marshal(v)
		if err != nil {
			return cty.StringVal(fmt.Sprintf("%v", v))
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return cty.StringVal(string(data))
		}
		return FromAny(decoded)
	}
}

// ObjectFromMap converts a metadata map into a cty object value.
func ObjectFromMap(md map[string]any) cty.Value {
	if len(md) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(md))
	for k, v := range md {
		attrs[k] = FromAny(v)
	}
	return cty.ObjectVal(attrs)
}

// Scope builds a variable scope from named metadata documents, one root
// variable per name.
func Scope(docs map[string]map[string]any) map[string]cty.Value {
	vars := make(map[string]cty.Value, len(docs))
	for name, md := range docs {
		vars[name] = ObjectFromMap(md)
	}
	return vars
}

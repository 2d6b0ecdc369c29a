// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Comparison is the comparator applied between a record property and a
// condition value.
type Comparison string

const (
	ComparisonEquals       Comparison = "eq"
	ComparisonNotEquals    Comparison = "ne"
	ComparisonLessThan     Comparison = "lt"
	ComparisonLessEqual    Comparison = "le"
	ComparisonGreaterThan  Comparison = "gt"
	ComparisonGreaterEqual Comparison = "ge"
	ComparisonIn           Comparison = "in"
)

// Valid reports whether the comparison is one of the supported operators.
func (c Comparison) Valid() bool {
	switch c {
	case ComparisonEquals, ComparisonNotEquals, ComparisonLessThan,
		ComparisonLessEqual, ComparisonGreaterThan, ComparisonGreaterEqual,
		ComparisonIn:
		return true
	}
	return false
}

// Condition is a single comparator tuple. Conditions combine with logical
// AND at the top level. Property supports nested paths into JSON-LD nodes,
// e.g. "entryObject.@type".
type Condition struct {
	Property   string     `json:"property"`
	Comparison Comparison `json:"comparison"`
	Value      any        `json:"value"`
}

// AsDocument converts a persisted entity into its generic JSON document
// form so that conditions and projections can traverse it uniformly.
func AsDocument(entity any) (map[string]any, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal entity document: %w", err)
	}
	return doc, nil
}

// Lookup resolves a dotted property path within a document. The second
// return value reports whether the path resolved to a value.
func Lookup(doc map[string]any, property string) (any, bool) {
	parts := strings.Split(property, ".")
	var current any = doc
	for _, part := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Matches evaluates every condition against the document, combining with
// logical AND. A condition whose property is absent from the document does
// not match (except "ne", which treats absence as inequality).
func Matches(doc map[string]any, conditions []Condition) bool {
	for _, c := range conditions {
		if !matchOne(doc, c) {
			return false
		}
	}
	return true
}

func matchOne(doc map[string]any, c Condition) bool {
	value, ok := Lookup(doc, c.Property)
	if !ok {
		return c.Comparison == ComparisonNotEquals
	}

	switch c.Comparison {
	case ComparisonEquals:
		return compare(value, c.Value) == 0
	case ComparisonNotEquals:
		return compare(value, c.Value) != 0
	case ComparisonLessThan:
		return compare(value, c.Value) < 0
	case ComparisonLessEqual:
		return compare(value, c.Value) <= 0
	case ComparisonGreaterThan:
		return compare(value, c.Value) > 0
	case ComparisonGreaterEqual:
		return compare(value, c.Value) >= 0
	case ComparisonIn:
		members, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, m := range members {
			if compare(value, m) == 0 {
				return true
			}
		}
		return false
	}
	return false
}

// compare orders two JSON values. Numbers compare numerically regardless
// of the Go type they arrived in, strings lexically, booleans with false
// before true. Values of unrelated types are unequal and return a stable
// non-zero result.
func compare(a, b any) int {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
		return -1
	}

	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	}

	// Unrelated types: compare their JSON renderings so the result is at
	// least deterministic.
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return strings.Compare(string(aj), string(bj))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Project reduces a document to the requested properties. Top-level
// property names only; absent properties are omitted from the result.
func Project(doc map[string]any, properties []string) map[string]any {
	out := make(map[string]any, len(properties))
	for _, p := range properties {
		if v, ok := doc[p]; ok {
			out[p] = v
		}
	}
	return out
}

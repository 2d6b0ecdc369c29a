// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jsonld validates JSON-LD nodes and provides the canonical byte
// form used for hashing and deep equality.
//
// Validation runs the document through the json-gold processor so that
// malformed @context, @id or @type structures are rejected before a
// record is hashed and signed. Canonicalization is a deterministic
// serialization with sorted object keys; it deliberately does not apply
// RDF normalization, because the hash must be recomputable without
// resolving remote contexts.
package jsonld

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/piprate/json-gold/ld"
)

// processor and loader are shared across calls; the caching loader keeps
// remote contexts from being fetched more than once per process.
var (
	processor = ld.NewJsonLdProcessor()
	loader    = ld.NewCachingDocumentLoader(ld.NewDefaultDocumentLoader(nil))
)

// Validate checks that the document is a structurally valid JSON-LD node.
//
// A nil document is valid (the annotation and entry objects are both
// optional). Returns the processor's error for invalid documents.
func Validate(doc map[string]any) error {
	if doc == nil {
		return nil
	}
	opts := ld.NewJsonLdOptions("")
	opts.DocumentLoader = loader
	if _, err := processor.Expand(doc, opts); err != nil {
		return fmt.Errorf("invalid json-ld document: %w", err)
	}
	return nil
}

// CanonicalBytes serializes a JSON value deterministically: object keys
// sorted, array order preserved, numbers rendered by encoding/json.
func CanonicalBytes(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Equal reports whether two JSON-LD nodes are deeply equal, ignoring
// object key order. Nil and the empty object are distinct.
func Equal(a, b map[string]any) bool {
	if a == nil || b == nil {
		return (a == nil) == (b == nil)
	}
	ab, err := CanonicalBytes(a)
	if err != nil {
		return false
	}
	bb, err := CanonicalBytes(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		// Scalars and typed values round-trip through encoding/json so
		// that e.g. int and float64 forms of the same number agree.
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonicalize scalar: %w", err)
		}
		var norm any
		if err := json.Unmarshal(raw, &norm); err != nil {
			return err
		}
		switch norm.(type) {
		case map[string]any, []any:
			return writeCanonical(buf, norm)
		}
		out, err := json.Marshal(norm)
		if err != nil {
			return err
		}
		buf.Write(out)
		return nil
	}
}

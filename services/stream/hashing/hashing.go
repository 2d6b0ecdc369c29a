// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hashing computes the content digest of stream and entry
// records.
//
// The digest is Blake2b with a 256-bit output over the concatenated
// UTF-8 bytes of the record tuple:
//
//	id || dateCreated || nodeIdentity || userIdentity || object? || index?
//
// where object is the canonical byte form of the JSON-LD node and index
// is its decimal ASCII rendering. The hash binds content to identity and
// position: any reordering, identity substitution or payload tampering
// changes the digest.
package hashing

import (
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/AleutianAI/AuditStream/services/stream/datatypes"
	"github.com/AleutianAI/AuditStream/services/stream/jsonld"
)

// TimeFormat is the serialization of timestamps inside the digest input.
// UTC RFC3339 with nanoseconds matches the JSON form the stores persist,
// so recomputation after a round trip is stable.
const TimeFormat = time.RFC3339Nano

// StreamDigest returns the 32-byte digest of a stream record.
//
// The stream's annotation object is deliberately excluded: annotations
// are mutable and must not invalidate the identity-bound hash.
func StreamDigest(s *datatypes.Stream) ([]byte, error) {
	return digest(s.ID, s.DateCreated, s.NodeIdentity, s.UserIdentity, nil, nil)
}

// EntryDigest returns the 32-byte digest of an entry record.
//
// nodeIdentity is the identity of the producing node; it is part of the
// tuple even though the entry record does not persist it, which is what
// binds every entry to the node that signed it.
func EntryDigest(nodeIdentity string, e *datatypes.Entry) ([]byte, error) {
	index := e.Index
	return digest(e.ID, e.DateCreated, nodeIdentity, e.UserIdentity, e.EntryObject, &index)
}

func digest(id string, created time.Time, nodeIdentity, userIdentity string, object map[string]any, index *int) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("create blake2b: %w", err)
	}

	h.Write([]byte(id))
	h.Write([]byte(created.UTC().Format(TimeFormat)))
	h.Write([]byte(nodeIdentity))
	h.Write([]byte(userIdentity))

	if object != nil {
		canonical, err := jsonld.CanonicalBytes(object)
		if err != nil {
			return nil, fmt.Errorf("canonicalize object: %w", err)
		}
		h.Write(canonical)
	}

	if index != nil {
		h.Write([]byte(strconv.Itoa(*index)))
	}

	return h.Sum(nil), nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package urn generates record identifiers and parses the namespaced
// URNs the service exposes.
//
// Streams are addressed as "ais:<64 lowercase hex>", entries as
// "ais:<streamHex>:<entryHex>". Internally the stores use the raw hex
// without the namespace prefix.
package urn

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Namespace is the required first segment of every URN.
const Namespace = "ais"

// IDLength is the hex length of a record identifier (32 random bytes).
const IDLength = 64

// ErrNamespaceMismatch is returned when a URN does not start with the
// "ais" namespace.
var ErrNamespaceMismatch = errors.New("urn namespace mismatch")

// ErrInvalidURN is returned when a URN is structurally malformed.
var ErrInvalidURN = errors.New("invalid urn")

// NewID returns a fresh 32-byte random identifier rendered as 64
// lowercase hex characters.
func NewID() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// FormatStream renders a raw stream id as its external URN.
func FormatStream(streamID string) string {
	return Namespace + ":" + streamID
}

// FormatEntry renders a raw stream id and entry id as the entry's
// external URN.
func FormatEntry(streamID, entryID string) string {
	return Namespace + ":" + streamID + ":" + entryID
}

// ParseStream extracts the raw stream id from a stream URN.
//
// The namespace segment must equal "ais" (ErrNamespaceMismatch
// otherwise) and the id must be 64 lowercase hex characters.
func ParseStream(value string) (string, error) {
	parts, err := split(value)
	if err != nil {
		return "", err
	}
	if len(parts) != 1 {
		return "", fmt.Errorf("%w: expected a single id segment in %q", ErrInvalidURN, value)
	}
	return parts[0], nil
}

// ParseEntry extracts the raw entry id from an entry URN.
//
// Both the full form "ais:<streamHex>:<entryHex>" and the short form
// "ais:<entryHex>" are accepted; in the full form the stream segment is
// returned as well so callers can cross-check it.
func ParseEntry(value string) (streamID, entryID string, err error) {
	parts, err := split(value)
	if err != nil {
		return "", "", err
	}
	switch len(parts) {
	case 1:
		return "", parts[0], nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("%w: expected one or two id segments in %q", ErrInvalidURN, value)
	}
}

// split validates the namespace and the hex shape of every id segment.
func split(value string) ([]string, error) {
	parts := strings.Split(value, ":")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURN, value)
	}
	if parts[0] != Namespace {
		return nil, fmt.Errorf("%w: %q is not in namespace %q", ErrNamespaceMismatch, parts[0], Namespace)
	}
	ids := parts[1:]
	for _, id := range ids {
		if !validID(id) {
			return nil, fmt.Errorf("%w: segment %q is not a %d-character lowercase hex id", ErrInvalidURN, id, IDLength)
		}
	}
	return ids, nil
}

func validID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for _, r := range id {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

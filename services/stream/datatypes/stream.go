// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the persisted entities of the auditable item
// stream service: streams, entries, verification results, and the filter
// condition grammar used by queries.
//
// A Stream is an append-only container of Entries. Both record types are
// content-addressed: their hash binds identity, creation time, payload and
// (for entries) position, and the signature binds the hash to the node's
// vault key. Records are never physically destroyed; entries are soft
// deleted by setting DateDeleted.
package datatypes

import "time"

// Table names used by the entity stores.
const (
	StreamTable = "auditable-item-stream"
	EntryTable  = "auditable-item-stream-entry"
)

// Stream is the persisted stream record.
//
// IndexCounter counts entries ever created on the stream and is never
// decremented; an entry's Index is assigned from it at creation time.
// ImmutableInterval controls which entry indices are anchored via a
// verifiable credential (0 disables entry anchoring; the stream record
// itself is always anchored on creation).
type Stream struct {
	// ID is the raw 64-character lowercase hex identifier (no urn prefix).
	ID string `json:"id"`

	// DateCreated is when the stream was created (UTC).
	DateCreated time.Time `json:"dateCreated"`

	// DateModified is refreshed by annotation updates and by any entry
	// mutation. Nil until the first modification.
	DateModified *time.Time `json:"dateModified,omitempty"`

	// NodeIdentity is the identity of the node that produced the stream.
	// The stream hash and signature are bound to it.
	NodeIdentity string `json:"nodeIdentity"`

	// UserIdentity is the identity of the user that created the stream.
	UserIdentity string `json:"userIdentity"`

	// AnnotationObject is an arbitrary JSON-LD node describing the stream.
	// It is mutable and deliberately NOT covered by the stream hash.
	AnnotationObject map[string]any `json:"annotationObject,omitempty"`

	// ImmutableInterval is the anchoring modulus for entry indices.
	ImmutableInterval int `json:"immutableInterval"`

	// IndexCounter is the count of entries ever created on this stream.
	IndexCounter int `json:"indexCounter"`

	// Hash is the base64 Blake2b-256 digest of the stream tuple.
	Hash string `json:"hash"`

	// Signature is the base64 vault signature over Hash.
	Signature string `json:"signature"`

	// ImmutableStorageID references the anchored credential blob, when set.
	ImmutableStorageID string `json:"immutableStorageId,omitempty"`
}

// Entry is the persisted entry record.
type Entry struct {
	// ID is the raw 64-character lowercase hex identifier.
	ID string `json:"id"`

	// StreamID references the containing Stream.ID.
	StreamID string `json:"streamId"`

	// DateCreated is when the entry was created (UTC). It never changes,
	// including on update and delete.
	DateCreated time.Time `json:"dateCreated"`

	// DateModified is set when the entry is updated or deleted.
	DateModified *time.Time `json:"dateModified,omitempty"`

	// DateDeleted marks the entry as soft deleted. The record, hash,
	// signature and anchoring remain intact.
	DateDeleted *time.Time `json:"dateDeleted,omitempty"`

	// UserIdentity is the identity of the user that produced the entry.
	UserIdentity string `json:"userIdentity"`

	// EntryObject is the JSON-LD payload. May be empty, never nil once
	// persisted.
	EntryObject map[string]any `json:"entryObject"`

	// Index is the 0-based position assigned at creation from the stream's
	// IndexCounter. Never reassigned.
	Index int `json:"index"`

	// Hash is the base64 Blake2b-256 digest of the entry tuple.
	Hash string `json:"hash"`

	// Signature is the base64 vault signature over Hash.
	Signature string `json:"signature"`

	// ImmutableStorageID references the anchored credential blob, when set.
	ImmutableStorageID string `json:"immutableStorageId,omitempty"`
}

// Deleted reports whether the entry has been soft deleted.
func (e *Entry) Deleted() bool {
	return e.DateDeleted != nil
}

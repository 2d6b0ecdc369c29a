// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AuditStream/services/stream/datatypes"
	"github.com/AleutianAI/AuditStream/services/stream/hashing"
	"github.com/AleutianAI/AuditStream/services/stream/identity"
	"github.com/AleutianAI/AuditStream/services/stream/jsonld"
	"github.com/AleutianAI/AuditStream/services/stream/store"
	"github.com/AleutianAI/AuditStream/services/stream/urn"
)

// verifyConcurrency caps the parallel verifications run for one page of
// entries. Each verification may fetch a credential blob.
const verifyConcurrency = 8

// deletedCursorSuffix is appended to entry cursors issued from a query
// that included deleted entries. The suffix survives the round trip to
// the client, so a follow-up page keeps the same visibility even when
// the caller omits the flag.
const deletedCursorSuffix = "|true"

// FindEntriesRequest describes a paginated entry listing.
type FindEntriesRequest struct {
	Conditions     []datatypes.Condition
	IncludeDeleted bool
	VerifyEntries  bool
	Direction      store.Direction
	Properties     []string
	Cursor         string
	PageSize       int
}

// EntryPage is one page of entry results.
type EntryPage struct {
	Entries []*EntryResult `json:"entries"`
	Cursor  string         `json:"cursor,omitempty"`
}

// ObjectPage is one page of raw entry objects.
type ObjectPage struct {
	Objects []map[string]any `json:"entryObjects"`
	Cursor  string           `json:"cursor,omitempty"`
}

// =============================================================================
// Entry operations
// =============================================================================

// CreateEntry appends an entry to the stream and returns its URN. The
// entry's index is taken from the stream's monotonic counter; the
// counter never reuses a value, including after deletions.
func (e *Engine) CreateEntry(ctx context.Context, streamURN string, entryObject map[string]any, userIdentity, nodeIdentity string) (result string, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("createEntry", err, started) }()
	defer wrapFailure(&err, opCreateEntry)

	if userIdentity == "" || nodeIdentity == "" {
		return "", validationError("userIdentity and nodeIdentity are required")
	}

	streamID, err := urn.ParseStream(streamURN)
	if err != nil {
		return "", err
	}

	release, err := e.locks.Acquire(ctx, streamID)
	if err != nil {
		return "", err
	}
	defer release()

	stream, err := e.loadStream(ctx, streamID)
	if err != nil {
		return "", err
	}

	now := e.now()
	ec := &entryContext{
		now:               now,
		userIdentity:      userIdentity,
		nodeIdentity:      nodeIdentity,
		immutableInterval: stream.ImmutableInterval,
		indexCounter:      stream.IndexCounter,
		streamID:          streamID,
	}
	entry, err := e.setEntry(ctx, ec, entrySeed{entryObject: entryObject})
	if err != nil {
		return "", err
	}

	stream.IndexCounter = ec.indexCounter
	stream.DateModified = &now
	if err := e.streams.Put(ctx, stream); err != nil {
		return "", err
	}

	return urn.FormatEntry(streamID, entry.ID), nil
}

// GetEntry loads a single entry by URN, optionally verifying it.
func (e *Engine) GetEntry(ctx context.Context, entryURN string, verify bool) (result *EntryResult, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("getEntry", err, started) }()
	defer wrapFailure(&err, opGetEntry)

	stream, entry, err := e.loadEntry(ctx, entryURN)
	if err != nil {
		return nil, err
	}

	result = &EntryResult{Entry: entry}
	if verify {
		verification, err := e.verifyEntry(ctx, stream.NodeIdentity, entry)
		if err != nil {
			return nil, err
		}
		result.Verification = verification
	}
	return result, nil
}

// GetEntryObject returns only the entry's JSON-LD payload.
func (e *Engine) GetEntryObject(ctx context.Context, entryURN string) (result map[string]any, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("getEntryObject", err, started) }()
	defer wrapFailure(&err, opGetEntryObject)

	_, entry, err := e.loadEntry(ctx, entryURN)
	if err != nil {
		return nil, err
	}
	return entry.EntryObject, nil
}

// UpdateEntry replaces the entry's payload, rehashes and re-signs it.
// The entry keeps its index and creation time, so its position in the
// stream is stable. Updating with a deeply equal object is a no-op.
func (e *Engine) UpdateEntry(ctx context.Context, entryURN string, entryObject map[string]any, userIdentity, nodeIdentity string) (err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("updateEntry", err, started) }()
	defer wrapFailure(&err, opUpdateEntry)

	if userIdentity == "" || nodeIdentity == "" {
		return validationError("userIdentity and nodeIdentity are required")
	}

	streamID, entryID, err := urn.ParseEntry(entryURN)
	if err != nil {
		return err
	}
	if streamID == "" {
		return validationError("entry urn must carry its stream segment")
	}

	release, err := e.locks.Acquire(ctx, streamID)
	if err != nil {
		return err
	}
	defer release()

	stream, err := e.loadStream(ctx, streamID)
	if err != nil {
		return err
	}
	entry, err := e.entries.Get(ctx, streamID, entryID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: entry %s", ErrNotFound, entryID)
	}
	if err != nil {
		return err
	}
	if entry.Deleted() {
		return fmt.Errorf("%w: entry %s is deleted", ErrNotFound, entryID)
	}

	if jsonld.Equal(entry.EntryObject, entryObject) {
		return nil
	}

	now := e.now()
	ec := &entryContext{
		now:               now,
		userIdentity:      userIdentity,
		nodeIdentity:      nodeIdentity,
		immutableInterval: stream.ImmutableInterval,
		indexCounter:      stream.IndexCounter,
		streamID:          streamID,
	}
	// The existing anchor is kept as-is: it attests the creation-time
	// content, and the verification pass surfaces the divergence.
	if _, err := e.setEntry(ctx, ec, entrySeed{
		id:                 entry.ID,
		dateCreated:        &entry.DateCreated,
		entryObject:        entryObject,
		index:              &entry.Index,
		immutableStorageID: entry.ImmutableStorageID,
	}); err != nil {
		return err
	}

	stream.DateModified = &now
	return e.streams.Put(ctx, stream)
}

// RemoveEntry soft-deletes an entry. The record and its hash remain in
// place; dateDeleted and dateModified are set. Removing an already
// deleted entry is a no-op.
func (e *Engine) RemoveEntry(ctx context.Context, entryURN string, userIdentity, nodeIdentity string) (err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("removeEntry", err, started) }()
	defer wrapFailure(&err, opRemoveEntry)

	if userIdentity == "" || nodeIdentity == "" {
		return validationError("userIdentity and nodeIdentity are required")
	}

	streamID, entryID, err := urn.ParseEntry(entryURN)
	if err != nil {
		return err
	}
	if streamID == "" {
		return validationError("entry urn must carry its stream segment")
	}

	release, err := e.locks.Acquire(ctx, streamID)
	if err != nil {
		return err
	}
	defer release()

	stream, err := e.loadStream(ctx, streamID)
	if err != nil {
		return err
	}
	entry, err := e.entries.Get(ctx, streamID, entryID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: entry %s", ErrNotFound, entryID)
	}
	if err != nil {
		return err
	}
	if entry.Deleted() {
		return nil
	}

	now := e.now()
	entry.DateDeleted = &now
	entry.DateModified = &now
	if err := e.entries.Put(ctx, entry); err != nil {
		return err
	}

	stream.DateModified = &now
	return e.streams.Put(ctx, stream)
}

// FindEntries returns a page of the stream's entries, newest first by
// default.
func (e *Engine) FindEntries(ctx context.Context, streamURN string, req FindEntriesRequest) (page *EntryPage, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("getEntries", err, started) }()
	defer wrapFailure(&err, opGetEntries)

	streamID, err := urn.ParseStream(streamURN)
	if err != nil {
		return nil, err
	}
	stream, err := e.loadStream(ctx, streamID)
	if err != nil {
		return nil, err
	}

	return e.findEntries(ctx, stream, findEntriesParams{
		conditions:     req.Conditions,
		includeDeleted: req.IncludeDeleted,
		verifyEntries:  req.VerifyEntries,
		direction:      req.Direction,
		properties:     req.Properties,
		cursor:         req.Cursor,
		pageSize:       req.PageSize,
	})
}

// GetEntryObjects returns a page of raw entry payloads without the
// envelope fields.
func (e *Engine) GetEntryObjects(ctx context.Context, streamURN string, req FindEntriesRequest) (page *ObjectPage, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("getEntryObjects", err, started) }()
	defer wrapFailure(&err, opGetEntryObjects)

	streamID, err := urn.ParseStream(streamURN)
	if err != nil {
		return nil, err
	}
	stream, err := e.loadStream(ctx, streamID)
	if err != nil {
		return nil, err
	}

	entries, err := e.findEntries(ctx, stream, findEntriesParams{
		conditions:     req.Conditions,
		includeDeleted: req.IncludeDeleted,
		direction:      req.Direction,
		cursor:         req.Cursor,
		pageSize:       req.PageSize,
	})
	if err != nil {
		return nil, err
	}

	objects := make([]map[string]any, 0, len(entries.Entries))
	for _, r := range entries.Entries {
		objects = append(objects, r.Entry.EntryObject)
	}
	return &ObjectPage{Objects: objects, Cursor: entries.Cursor}, nil
}

// RemoveImmutable strips the anchoring artifacts from a stream and all
// its entries: credential blobs are deleted from immutable storage and
// the storage ids cleared from the records. Used when a stream's
// retention ends.
func (e *Engine) RemoveImmutable(ctx context.Context, streamURN, nodeIdentity string) (err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("removeImmutable", err, started) }()
	defer wrapFailure(&err, opRemoveImmutable)

	if nodeIdentity == "" {
		return validationError("nodeIdentity is required")
	}

	streamID, err := urn.ParseStream(streamURN)
	if err != nil {
		return err
	}

	release, err := e.locks.Acquire(ctx, streamID)
	if err != nil {
		return err
	}
	defer release()

	stream, err := e.loadStream(ctx, streamID)
	if err != nil {
		return err
	}

	if stream.ImmutableStorageID != "" {
		if err := e.blobs.Remove(ctx, stream.ImmutableStorageID); err != nil {
			return fmt.Errorf("remove stream credential: %w", err)
		}
		stream.ImmutableStorageID = ""
		if err := e.streams.Put(ctx, stream); err != nil {
			return err
		}
	}

	cursor := ""
	for {
		entries, next, err := e.entries.Query(ctx, store.EntryQuery{
			StreamID:       streamID,
			IncludeDeleted: true,
			Direction:      store.Ascending,
			Cursor:         cursor,
		})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.ImmutableStorageID == "" {
				continue
			}
			if err := e.blobs.Remove(ctx, entry.ImmutableStorageID); err != nil {
				return fmt.Errorf("remove entry credential: %w", err)
			}
			entry.ImmutableStorageID = ""
			if err := e.entries.Put(ctx, entry); err != nil {
				return err
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	e.log.Info("immutable artifacts removed", "stream_id", streamID)
	return nil
}

// =============================================================================
// Internal entry pipeline
// =============================================================================

// entryContext carries the per-operation state every entry write needs.
// indexCounter is advanced in place so a batch of creations under one
// stream lock assigns consecutive indices.
type entryContext struct {
	now               time.Time
	userIdentity      string
	nodeIdentity      string
	immutableInterval int
	indexCounter      int
	streamID          string
}

// entrySeed is the material for one entry write. A nil dateCreated
// marks a creation; otherwise the fields describe the existing record
// being rewritten.
type entrySeed struct {
	id                 string
	dateCreated        *time.Time
	dateDeleted        *time.Time
	entryObject        map[string]any
	index              *int
	immutableStorageID string
}

// setEntry validates, hashes, signs and persists one entry. A missing
// entry object defaults to the empty node. On creation it also assigns
// the next index and anchors the entry when the index lands on the
// stream's immutable interval.
func (e *Engine) setEntry(ctx context.Context, ec *entryContext, seed entrySeed) (*datatypes.Entry, error) {
	if seed.entryObject == nil {
		seed.entryObject = map[string]any{}
	}
	if err := jsonld.Validate(seed.entryObject); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	creation := seed.dateCreated == nil

	entry := &datatypes.Entry{
		StreamID:           ec.streamID,
		UserIdentity:       ec.userIdentity,
		EntryObject:        seed.entryObject,
		DateDeleted:        seed.dateDeleted,
		ImmutableStorageID: seed.immutableStorageID,
	}

	if creation {
		id, err := urn.NewID()
		if err != nil {
			return nil, err
		}
		entry.ID = id
		entry.DateCreated = ec.now
		entry.Index = ec.indexCounter
		ec.indexCounter++
	} else {
		entry.ID = seed.id
		entry.DateCreated = *seed.dateCreated
		entry.DateModified = &ec.now
		entry.Index = *seed.index
	}

	digest, err := hashing.EntryDigest(ec.nodeIdentity, entry)
	if err != nil {
		return nil, err
	}
	entry.Hash = base64.StdEncoding.EncodeToString(digest)

	signature, err := e.signer.Sign(ctx, e.cfg.VaultKeyID, digest)
	if err != nil {
		return nil, fmt.Errorf("sign entry: %w", err)
	}
	entry.Signature = base64.StdEncoding.EncodeToString(signature)

	if creation && ec.immutableInterval > 0 && entry.Index%ec.immutableInterval == 0 {
		index := entry.Index
		storageID, err := e.anchor(ctx, ec.nodeIdentity, identity.TypeEntryCredential, identity.CredentialSubject{
			ID:           urn.FormatEntry(ec.streamID, entry.ID),
			DateCreated:  entry.DateCreated.Format(hashing.TimeFormat),
			UserIdentity: entry.UserIdentity,
			Hash:         entry.Hash,
			Signature:    entry.Signature,
			Index:        &index,
		})
		if err != nil {
			return nil, err
		}
		entry.ImmutableStorageID = storageID
	}

	if err := e.entries.Put(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// loadEntry resolves an entry URN to its stream and entry records. When
// the URN omits the stream segment, the entry's persisted streamId is
// authoritative.
func (e *Engine) loadEntry(ctx context.Context, entryURN string) (*datatypes.Stream, *datatypes.Entry, error) {
	streamID, entryID, err := urn.ParseEntry(entryURN)
	if err != nil {
		return nil, nil, err
	}
	if streamID == "" {
		return nil, nil, validationError("entry urn must carry its stream segment")
	}

	stream, err := e.loadStream(ctx, streamID)
	if err != nil {
		return nil, nil, err
	}
	entry, err := e.entries.Get(ctx, streamID, entryID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: entry %s", ErrNotFound, entryID)
	}
	if err != nil {
		return nil, nil, err
	}
	return stream, entry, nil
}

type findEntriesParams struct {
	conditions     []datatypes.Condition
	includeDeleted bool
	verifyEntries  bool
	direction      store.Direction
	properties     []string
	cursor         string
	pageSize       int
}

// findEntries is the shared listing path behind Get, FindEntries and
// GetEntryObjects.
func (e *Engine) findEntries(ctx context.Context, stream *datatypes.Stream, p findEntriesParams) (*EntryPage, error) {
	cursor, includeDeleted := splitEntryCursor(p.cursor, p.includeDeleted)

	entries, next, err := e.entries.Query(ctx, store.EntryQuery{
		StreamID:       stream.ID,
		IncludeDeleted: includeDeleted,
		Conditions:     p.conditions,
		Direction:      p.direction,
		Cursor:         cursor,
		PageSize:       p.pageSize,
	})
	if err != nil {
		return nil, err
	}

	results := make([]*EntryResult, len(entries))
	for i, entry := range entries {
		results[i] = &EntryResult{Entry: entry}
		if len(p.properties) > 0 {
			doc, err := datatypes.AsDocument(entry)
			if err != nil {
				return nil, err
			}
			results[i].View = datatypes.Project(doc, p.properties)
		}
	}

	if p.verifyEntries {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(verifyConcurrency)
		for _, r := range results {
			g.Go(func() error {
				verification, err := e.verifyEntry(gctx, stream.NodeIdentity, r.Entry)
				if err != nil {
					return err
				}
				r.Verification = verification
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	return &EntryPage{Entries: results, Cursor: joinEntryCursor(next, includeDeleted)}, nil
}

// splitEntryCursor strips the deleted-visibility suffix from an
// incoming cursor. A suffixed cursor forces includeDeleted, so paging
// stays consistent across requests.
func splitEntryCursor(cursor string, includeDeleted bool) (string, bool) {
	if trimmed, ok := strings.CutSuffix(cursor, deletedCursorSuffix); ok {
		return trimmed, true
	}
	return cursor, includeDeleted
}

func joinEntryCursor(cursor string, includeDeleted bool) string {
	if cursor == "" {
		return ""
	}
	if includeDeleted {
		return cursor + deletedCursorSuffix
	}
	return cursor
}

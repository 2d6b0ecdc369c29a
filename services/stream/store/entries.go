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

import (
	"context"
	"encoding/json"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AuditStream/services/stream/datatypes"
	"github.com/AleutianAI/AuditStream/services/stream/storage/badger"
)

// Key layout for entry records. The secondary key embeds the stream id,
// so a prefix scan yields one stream's entries in creation order.
const (
	entryKeyPrefix = "e:"
	entryIdxPrefix = "ei:"
)

// EntryQuery describes a paginated entry listing within one stream.
type EntryQuery struct {
	// StreamID scopes the query; required.
	StreamID string

	// IncludeDeleted keeps soft-deleted entries in the results.
	IncludeDeleted bool

	// Conditions are caller-supplied comparators ANDed with the stream
	// scope and the deletion filter.
	Conditions []datatypes.Condition

	Direction Direction
	Cursor    string
	PageSize  int
}

// EntryStore owns persistence of entry records.
type EntryStore struct {
	db *badger.DB
}

// NewEntryStore creates an entry store on an open database.
func NewEntryStore(db *badger.DB) *EntryStore {
	return &EntryStore{db: db}
}

// Put persists an entry record. The secondary key is derived from the
// immutable (streamId, dateCreated, id) triple, so updates never move
// the entry within its stream's ordering.
func (s *EntryStore) Put(ctx context.Context, entry *datatypes.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", entry.ID, err)
	}

	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		if err := txn.Set([]byte(entryKeyPrefix+entry.ID), data); err != nil {
			return fmt.Errorf("set entry %s: %w", entry.ID, err)
		}
		if err := txn.Set(entryIdxKey(entry), []byte(entry.ID)); err != nil {
			return fmt.Errorf("set entry index: %w", err)
		}
		return nil
	})
}

// Get loads an entry by (streamID, entryID). An entry that exists under
// a different stream is reported as not found.
func (s *EntryStore) Get(ctx context.Context, streamID, entryID string) (*datatypes.Entry, error) {
	var entry datatypes.Entry
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		return getJSON(txn, []byte(entryKeyPrefix+entryID), func(raw []byte) error {
			return json.Unmarshal(raw, &entry)
		})
	})
	if err != nil {
		return nil, err
	}
	if entry.StreamID != streamID {
		return nil, fmt.Errorf("%w: entry %s in stream %s", ErrNotFound, entryID, streamID)
	}
	return &entry, nil
}

// Query returns a page of the stream's entries ordered by dateCreated,
// with an opaque cursor for the next page.
func (s *EntryStore) Query(ctx context.Context, q EntryQuery) ([]*datatypes.Entry, string, error) {
	if q.StreamID == "" {
		return nil, "", fmt.Errorf("entry query requires a stream id")
	}
	prefix := []byte(entryIdxPrefix + q.StreamID + ":")
	dir := q.Direction
	if dir == "" {
		dir = Descending
	}
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var (
		results []*datatypes.Entry
		lastKey []byte
	)
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		var scanErr error
		lastKey, scanErr = scan(txn, prefix, dir, q.Cursor, func(id []byte) (bool, error) {
			var entry datatypes.Entry
			err := getJSON(txn, append([]byte(entryKeyPrefix), id...), func(raw []byte) error {
				return json.Unmarshal(raw, &entry)
			})
			if err != nil {
				return false, err
			}

			if !q.IncludeDeleted && entry.Deleted() {
				return true, nil
			}
			if len(q.Conditions) > 0 {
				doc, err := datatypes.AsDocument(&entry)
				if err != nil {
					return false, err
				}
				if !datatypes.Matches(doc, q.Conditions) {
					return true, nil
				}
			}

			results = append(results, &entry)
			return len(results) < pageSize, nil
		})
		return scanErr
	})
	if err != nil {
		return nil, "", err
	}

	cursor := ""
	if len(results) == pageSize && lastKey != nil {
		cursor = encodeCursor(lastKey)
	}
	return results, cursor, nil
}

func entryIdxKey(entry *datatypes.Entry) []byte {
	return []byte(entryIdxPrefix + entry.StreamID + ":" + tsKey(entry.DateCreated) + ":" + entry.ID)
}

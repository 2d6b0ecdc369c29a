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
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AuditStream/services/stream/datatypes"
	"github.com/AleutianAI/AuditStream/services/stream/storage/badger"
)

// Key layout for stream records. The modified index falls back to the
// creation time until the stream is first modified, so every stream is
// reachable under both orderings.
const (
	streamKeyPrefix         = "s:"
	streamCreatedIdxPrefix  = "si:c:"
	streamModifiedIdxPrefix = "si:m:"
)

// StreamOrder selects the secondary sort key for stream queries.
type StreamOrder string

const (
	StreamOrderCreated  StreamOrder = "dateCreated"
	StreamOrderModified StreamOrder = "dateModified"
)

// StreamQuery describes a paginated stream listing.
type StreamQuery struct {
	Conditions []datatypes.Condition
	OrderBy    StreamOrder
	Direction  Direction
	Cursor     string
	PageSize   int
}

// StreamStore owns persistence of stream records.
type StreamStore struct {
	db *badger.DB
}

// NewStreamStore creates a stream store on an open database.
func NewStreamStore(db *badger.DB) *StreamStore {
	return &StreamStore{db: db}
}

// Put persists a stream record, replacing any previous version and
// keeping the secondary sort keys in step.
func (s *StreamStore) Put(ctx context.Context, stream *datatypes.Stream) error {
	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("marshal stream %s: %w", stream.ID, err)
	}

	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		// Drop the previous modified-index key if the record existed with
		// a different modification time.
		var previous datatypes.Stream
		err := getJSON(txn, []byte(streamKeyPrefix+stream.ID), func(raw []byte) error {
			return json.Unmarshal(raw, &previous)
		})
		switch {
		case err == nil:
			oldKey := streamModifiedIdxKey(&previous)
			if string(oldKey) != string(streamModifiedIdxKey(stream)) {
				if err := txn.Delete(oldKey); err != nil {
					return fmt.Errorf("delete stale index: %w", err)
				}
			}
		case errors.Is(err, ErrNotFound):
			// First write.
		default:
			return err
		}

		if err := txn.Set([]byte(streamKeyPrefix+stream.ID), data); err != nil {
			return fmt.Errorf("set stream %s: %w", stream.ID, err)
		}
		if err := txn.Set(streamCreatedIdxKey(stream), []byte(stream.ID)); err != nil {
			return fmt.Errorf("set created index: %w", err)
		}
		if err := txn.Set(streamModifiedIdxKey(stream), []byte(stream.ID)); err != nil {
			return fmt.Errorf("set modified index: %w", err)
		}
		return nil
	})
}

// Get loads a stream by raw id, or ErrNotFound.
func (s *StreamStore) Get(ctx context.Context, id string) (*datatypes.Stream, error) {
	var stream datatypes.Stream
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		return getJSON(txn, []byte(streamKeyPrefix+id), func(raw []byte) error {
			return json.Unmarshal(raw, &stream)
		})
	})
	if err != nil {
		return nil, err
	}
	return &stream, nil
}

// Query returns a page of streams matching the conditions, ordered by
// the selected date property, with an opaque cursor for the next page.
func (s *StreamStore) Query(ctx context.Context, q StreamQuery) ([]*datatypes.Stream, string, error) {
	prefix := []byte(streamCreatedIdxPrefix)
	if q.OrderBy == StreamOrderModified {
		prefix = []byte(streamModifiedIdxPrefix)
	}
	dir := q.Direction
	if dir == "" {
		dir = Descending
	}
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var (
		results []*datatypes.Stream
		lastKey []byte
	)
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		var scanErr error
		lastKey, scanErr = scan(txn, prefix, dir, q.Cursor, func(id []byte) (bool, error) {
			var stream datatypes.Stream
			err := getJSON(txn, append([]byte(streamKeyPrefix), id...), func(raw []byte) error {
				return json.Unmarshal(raw, &stream)
			})
			if err != nil {
				return false, err
			}

			if len(q.Conditions) > 0 {
				doc, err := datatypes.AsDocument(&stream)
				if err != nil {
					return false, err
				}
				if !datatypes.Matches(doc, q.Conditions) {
					return true, nil
				}
			}

			results = append(results, &stream)
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

func streamCreatedIdxKey(stream *datatypes.Stream) []byte {
	return []byte(streamCreatedIdxPrefix + tsKey(stream.DateCreated) + ":" + stream.ID)
}

func streamModifiedIdxKey(stream *datatypes.Stream) []byte {
	modified := stream.DateCreated
	if stream.DateModified != nil {
		modified = *stream.DateModified
	}
	return []byte(streamModifiedIdxPrefix + tsKey(modified) + ":" + stream.ID)
}

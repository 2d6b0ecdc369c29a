// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the typed persistence layer for stream and
// entry records on BadgerDB.
//
// Records are stored as JSON under primary keys and located through
// secondary sort keys built from fixed-width UTC timestamps, so ordered
// iteration over a key prefix yields chronological order without an
// external index. Pagination cursors are the base64url encoding of the
// last secondary key returned.
package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a record id does not resolve.
var ErrNotFound = errors.New("record not found")

// Direction orders query results by the secondary sort key.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// DefaultPageSize bounds queries that do not specify a page size.
const DefaultPageSize = 40

// tsKeyFormat renders timestamps fixed-width so lexicographic key order
// equals chronological order, including nanoseconds.
const tsKeyFormat = "20060102150405.000000000"

func tsKey(t time.Time) string {
	return t.UTC().Format(tsKeyFormat)
}

func encodeCursor(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

func decodeCursor(cursor string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}
	return key, nil
}

// scan iterates index keys under prefix in the given direction, starting
// after the cursor position when one is supplied, and calls visit with
// each index key's value (the primary record id). visit returns whether
// to keep iterating. scan returns the last visited index key.
func scan(txn *badgerdb.Txn, prefix []byte, dir Direction, cursor string, visit func(id []byte) (bool, error)) ([]byte, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = dir == Descending

	it := txn.NewIterator(opts)
	defer it.Close()

	var resumeFrom []byte
	if cursor != "" {
		key, err := decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		resumeFrom = key
	}

	switch {
	case resumeFrom != nil && dir == Descending:
		it.Seek(resumeFrom)
	case resumeFrom != nil:
		it.Seek(resumeFrom)
	case dir == Descending:
		// Reverse iteration starts from the largest key under the prefix.
		it.Seek(append(append([]byte{}, prefix...), 0xFF))
	default:
		it.Seek(prefix)
	}

	var lastKey []byte
	for ; it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)

		// The cursor names the last key already returned; skip it.
		if resumeFrom != nil && string(key) == string(resumeFrom) {
			resumeFrom = nil
			continue
		}
		resumeFrom = nil

		id, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("read index value: %w", err)
		}
		lastKey = key

		more, err := visit(id)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	return lastKey, nil
}

// getJSON loads and decodes a record under key.
func getJSON(txn *badgerdb.Txn, key []byte, out func(data []byte) error) error {
	item, err := txn.Get(key)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(out)
}

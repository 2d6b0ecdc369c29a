// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package immutable is the gateway to the immutable-storage backend
// holding anchored credential blobs.
//
// Blobs are opaque to the service: UTF-8 bytes of a credential JWT. Two
// backends ship: an embedded Badger store for single-node deployments
// and a GCS bucket store for durable external anchoring.
package immutable

import (
	"context"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AuditStream/services/stream/storage/badger"
)

// ErrBlobNotFound is returned when a blob id does not resolve.
var ErrBlobNotFound = errors.New("immutable blob not found")

// Store stores, fetches and removes opaque credential blobs.
type Store interface {
	// Store persists the blob and returns its opaque storage id.
	Store(ctx context.Context, data []byte) (string, error)

	// Fetch returns the blob for a storage id, or ErrBlobNotFound.
	Fetch(ctx context.Context, id string) ([]byte, error)

	// Remove deletes the blob. Removing an unknown id is an error.
	Remove(ctx context.Context, id string) error
}

// blobPrefix namespaces credential blobs inside the shared Badger
// instance.
const blobPrefix = "blob:"

// BadgerStore is an embedded Store on BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a blob store on an open database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Store implements Store.
func (s *BadgerStore) Store(ctx context.Context, data []byte) (string, error) {
	id := uuid.NewString()
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(blobPrefix+id), data)
	})
	if err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	return id, nil
}

// Fetch implements Store.
func (s *BadgerStore) Fetch(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(blobPrefix + id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrBlobNotFound, id)
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Remove implements Store.
func (s *BadgerStore) Remove(ctx context.Context, id string) error {
	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		key := []byte(blobPrefix + id)
		if _, err := txn.Get(key); errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrBlobNotFound, id)
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

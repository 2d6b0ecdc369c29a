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
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AuditStream/services/stream/datatypes"
	"github.com/AleutianAI/AuditStream/services/stream/identity"
	"github.com/AleutianAI/AuditStream/services/stream/immutable"
	"github.com/AleutianAI/AuditStream/services/stream/storage/badger"
	"github.com/AleutianAI/AuditStream/services/stream/store"
	"github.com/AleutianAI/AuditStream/services/stream/urn"
	"github.com/AleutianAI/AuditStream/services/stream/vault"
)

const (
	testUser = "user-1"
	testNode = "node-1"
)

// countingBlobs wraps a Store and tracks live blob ids, so tests can
// assert how many credentials a scenario anchors.
type countingBlobs struct {
	inner immutable.Store
	mu    sync.Mutex
	live  map[string]bool
}

func (c *countingBlobs) Store(ctx context.Context, data []byte) (string, error) {
	id, err := c.inner.Store(ctx, data)
	if err == nil {
		c.mu.Lock()
		c.live[id] = true
		c.mu.Unlock()
	}
	return id, err
}

func (c *countingBlobs) Fetch(ctx context.Context, id string) ([]byte, error) {
	return c.inner.Fetch(ctx, id)
}

func (c *countingBlobs) Remove(ctx context.Context, id string) error {
	err := c.inner.Remove(ctx, id)
	if err == nil {
		c.mu.Lock()
		delete(c.live, id)
		c.mu.Unlock()
	}
	return err
}

func (c *countingBlobs) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

type harness struct {
	engine  *Engine
	streams *store.StreamStore
	entries *store.EntryStore
	issuer  *identity.JWTIssuer
	blobs   *countingBlobs
	clock   time.Time
}

func newHarness(t *testing.T, interval int) *harness {
	t.Helper()

	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	v := vault.NewEd25519Vault()
	require.NoError(t, v.EnsureKey("auditable-item-stream"))
	issuer := identity.NewJWTIssuer(v, "auditable-item-stream", "auditable-item-stream")

	blobs := &countingBlobs{
		inner: immutable.NewBadgerStore(db),
		live:  make(map[string]bool),
	}
	streams := store.NewStreamStore(db)
	entries := store.NewEntryStore(db)

	eng, err := New(Dependencies{
		Streams: streams,
		Entries: entries,
		Signer:  v,
		Issuer:  issuer,
		Blobs:   blobs,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:  Config{DefaultImmutableInterval: interval},
	})
	require.NoError(t, err)

	h := &harness{
		engine:  eng,
		streams: streams,
		entries: entries,
		issuer:  issuer,
		blobs:   blobs,
		clock:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	// Deterministic, strictly increasing clock so secondary sort keys
	// never collide.
	eng.now = func() time.Time {
		h.clock = h.clock.Add(time.Millisecond)
		return h.clock
	}
	return h
}

func (h *harness) create(t *testing.T, entryCount int) string {
	t.Helper()
	seeds := make([]EntrySeed, entryCount)
	for i := range seeds {
		seeds[i] = EntrySeed{EntryObject: map[string]any{"n": i}}
	}
	id, err := h.engine.Create(context.Background(), CreateRequest{
		AnnotationObject: map[string]any{"name": "test stream"},
		Entries:          seeds,
		UserIdentity:     testUser,
		NodeIdentity:     testNode,
	})
	require.NoError(t, err)
	return id
}

// =============================================================================
// Stream lifecycle
// =============================================================================

func TestCreateStream(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	streamURN := h.create(t, 0)

	streamID, err := urn.ParseStream(streamURN)
	require.NoError(t, err)

	stream, err := h.streams.Get(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, testNode, stream.NodeIdentity)
	assert.Equal(t, testUser, stream.UserIdentity)
	assert.Equal(t, 0, stream.IndexCounter)
	assert.Equal(t, 10, stream.ImmutableInterval)
	assert.NotEmpty(t, stream.Hash)
	assert.NotEmpty(t, stream.Signature)
	assert.NotEmpty(t, stream.ImmutableStorageID, "stream must be anchored on creation")

	assert.Equal(t, 1, h.blobs.count())
}

func TestCreateStreamRequiresIdentities(t *testing.T) {
	h := newHarness(t, 10)

	_, err := h.engine.Create(context.Background(), CreateRequest{NodeIdentity: testNode})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.engine.Create(context.Background(), CreateRequest{UserIdentity: testUser})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateStreamRejectsInvalidAnnotation(t *testing.T) {
	h := newHarness(t, 10)

	_, err := h.engine.Create(context.Background(), CreateRequest{
		AnnotationObject: map[string]any{"@context": 42},
		UserIdentity:     testUser,
		NodeIdentity:     testNode,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateStreamAnchorsAtInterval(t *testing.T) {
	tests := []struct {
		name      string
		interval  int
		entries   int
		wantBlobs int
	}{
		// The stream record itself always contributes one blob.
		{"interval 10, three entries anchors index 0", 10, 3, 2},
		{"interval 1 anchors every entry", 1, 3, 4},
		{"interval 0 disables entry anchoring", 0, 3, 1},
		{"interval 2 anchors even indices", 2, 5, 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.interval)
			h.create(t, tc.entries)
			assert.Equal(t, tc.wantBlobs, h.blobs.count())
		})
	}
}

func TestCreateStreamAssignsSequentialIndices(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	streamURN := h.create(t, 4)

	view, err := h.engine.Get(ctx, streamURN, GetOptions{IncludeEntries: true})
	require.NoError(t, err)
	assert.Equal(t, 4, view.Stream.IndexCounter)
	require.Len(t, view.Entries, 4)

	// Default listing is newest first.
	for i, r := range view.Entries {
		assert.Equal(t, 3-i, r.Entry.Index)
	}
}

func TestGetStreamVerify(t *testing.T) {
	h := newHarness(t, 10)

	streamURN := h.create(t, 2)

	view, err := h.engine.Get(context.Background(), streamURN, GetOptions{
		IncludeEntries: true,
		VerifyStream:   true,
		VerifyEntries:  true,
	})
	require.NoError(t, err)
	require.NotNil(t, view.Verification)
	assert.Equal(t, datatypes.VerificationOk, view.Verification.State)
	for _, r := range view.Entries {
		require.NotNil(t, r.Verification)
		assert.Equal(t, datatypes.VerificationOk, r.Verification.State)
	}
}

func TestGetStreamNotFound(t *testing.T) {
	h := newHarness(t, 10)
	id, _ := urn.NewID()

	_, err := h.engine.Get(context.Background(), urn.FormatStream(id), GetOptions{})
	assert.ErrorIs(t, err, ErrNotFound)

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "getFailed", opErr.Operation)
}

func TestGetStreamRejectsForeignNamespace(t *testing.T) {
	h := newHarness(t, 10)
	_, err := h.engine.Get(context.Background(), "urn:other:123", GetOptions{})
	assert.ErrorIs(t, err, ErrNamespaceMismatch)
}

func TestUpdateStreamAnnotation(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	streamURN := h.create(t, 0)
	streamID, _ := urn.ParseStream(streamURN)
	before, err := h.streams.Get(ctx, streamID)
	require.NoError(t, err)

	require.NoError(t, h.engine.Update(ctx, streamURN,
		map[string]any{"name": "renamed"}, testUser, testNode))

	after, err := h.streams.Get(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", after.AnnotationObject["name"])
	assert.True(t, after.DateModified.After(*before.DateModified))

	// The hash excludes the annotation, so the stream still verifies.
	view, err := h.engine.Get(ctx, streamURN, GetOptions{VerifyStream: true})
	require.NoError(t, err)
	assert.Equal(t, datatypes.VerificationOk, view.Verification.State)
}

func TestUpdateStreamEqualAnnotationIsNoOp(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	streamURN := h.create(t, 0)
	streamID, _ := urn.ParseStream(streamURN)
	before, err := h.streams.Get(ctx, streamID)
	require.NoError(t, err)

	require.NoError(t, h.engine.Update(ctx, streamURN,
		map[string]any{"name": "test stream"}, testUser, testNode))

	after, err := h.streams.Get(ctx, streamID)
	require.NoError(t, err)
	assert.True(t, before.DateModified.Equal(*after.DateModified))
}

func TestQueryStreams(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.create(t, 0)
	}

	result, err := h.engine.Query(ctx, QueryRequest{})
	require.NoError(t, err)
	require.Len(t, result.Streams, 3)

	// Default projection, entries never expanded.
	for _, doc := range result.Streams {
		assert.Contains(t, doc, "id")
		assert.Contains(t, doc, "dateCreated")
		assert.NotContains(t, doc, "hash")
		assert.NotContains(t, doc, "entries")
	}
}

func TestQueryStreamsPagination(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.create(t, 0)
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		result, err := h.engine.Query(ctx, QueryRequest{PageSize: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, doc := range result.Streams {
			id := doc["id"].(string)
			assert.False(t, seen[id])
			seen[id] = true
		}
		pages++
		if result.Cursor == "" {
			break
		}
		cursor = result.Cursor
	}
	assert.Len(t, seen, 5)
	assert.Equal(t, 3, pages)
}

func TestQueryStreamsRejectsBadOrder(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.engine.Query(context.Background(), QueryRequest{OrderBy: "hash"})
	assert.ErrorIs(t, err, ErrValidation)
}

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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AuditStream/services/stream/datatypes"
	"github.com/AleutianAI/AuditStream/services/stream/hashing"
	"github.com/AleutianAI/AuditStream/services/stream/identity"
	"github.com/AleutianAI/AuditStream/services/stream/urn"
)

func (h *harness) createEntry(t *testing.T, streamURN string, object map[string]any) string {
	t.Helper()
	id, err := h.engine.CreateEntry(context.Background(), streamURN, object, testUser, testNode)
	require.NoError(t, err)
	return id
}

func TestCreateEntryAdvancesIndexCounter(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	streamURN := h.create(t, 2)

	entryURN := h.createEntry(t, streamURN, map[string]any{"n": 2})
	_, entryID, err := urn.ParseEntry(entryURN)
	require.NoError(t, err)

	streamID, _ := urn.ParseStream(streamURN)
	entry, err := h.entries.Get(ctx, streamID, entryID)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Index)

	stream, err := h.streams.Get(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, 3, stream.IndexCounter)
}

func TestCreateEntryDefaultsEmptyObject(t *testing.T) {
	h := newHarness(t, 0)
	streamURN := h.create(t, 0)

	entryURN, err := h.engine.CreateEntry(context.Background(), streamURN, nil, testUser, testNode)
	require.NoError(t, err)

	result, err := h.engine.GetEntry(context.Background(), entryURN, true)
	require.NoError(t, err)
	require.NotNil(t, result.Entry.EntryObject)
	assert.Empty(t, result.Entry.EntryObject)
	assert.Equal(t, datatypes.VerificationOk, result.Verification.State)
}

func TestCreateEntryUnknownStream(t *testing.T) {
	h := newHarness(t, 0)
	id, _ := urn.NewID()

	_, err := h.engine.CreateEntry(context.Background(), urn.FormatStream(id),
		map[string]any{"n": 1}, testUser, testNode)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetEntry(t *testing.T) {
	h := newHarness(t, 1)

	streamURN := h.create(t, 0)
	entryURN := h.createEntry(t, streamURN, map[string]any{"event": "deploy"})

	result, err := h.engine.GetEntry(context.Background(), entryURN, true)
	require.NoError(t, err)
	assert.Equal(t, "deploy", result.Entry.EntryObject["event"])
	assert.Equal(t, 0, result.Entry.Index)
	require.NotNil(t, result.Verification)
	assert.Equal(t, datatypes.VerificationOk, result.Verification.State)
	assert.NotEmpty(t, result.Entry.ImmutableStorageID)
}

func TestGetEntryObject(t *testing.T) {
	h := newHarness(t, 0)

	streamURN := h.create(t, 0)
	entryURN := h.createEntry(t, streamURN, map[string]any{"event": "deploy", "version": 3})

	object, err := h.engine.GetEntryObject(context.Background(), entryURN)
	require.NoError(t, err)
	assert.Equal(t, "deploy", object["event"])
}

func TestUpdateEntryRehashes(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	streamURN := h.create(t, 0)
	entryURN := h.createEntry(t, streamURN, map[string]any{"state": "initial"})

	before, err := h.engine.GetEntry(ctx, entryURN, false)
	require.NoError(t, err)

	require.NoError(t, h.engine.UpdateEntry(ctx, entryURN,
		map[string]any{"state": "updated"}, testUser, testNode))

	after, err := h.engine.GetEntry(ctx, entryURN, true)
	require.NoError(t, err)
	assert.Equal(t, "updated", after.Entry.EntryObject["state"])
	assert.NotEqual(t, before.Entry.Hash, after.Entry.Hash)
	assert.NotEqual(t, before.Entry.Signature, after.Entry.Signature)
	assert.Equal(t, before.Entry.Index, after.Entry.Index)
	assert.True(t, before.Entry.DateCreated.Equal(after.Entry.DateCreated))
	require.NotNil(t, after.Entry.DateModified)
	assert.Equal(t, datatypes.VerificationOk, after.Verification.State)
}

func TestUpdateEntryEqualObjectIsNoOp(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	streamURN := h.create(t, 0)
	entryURN := h.createEntry(t, streamURN, map[string]any{"state": "same"})

	require.NoError(t, h.engine.UpdateEntry(ctx, entryURN,
		map[string]any{"state": "same"}, testUser, testNode))

	after, err := h.engine.GetEntry(ctx, entryURN, false)
	require.NoError(t, err)
	assert.Nil(t, after.Entry.DateModified)
}

func TestUpdateAnchoredEntrySurfacesDrift(t *testing.T) {
	// Interval 1 anchors the entry at creation. An update rewrites hash
	// and signature but keeps the original credential, so verification
	// must flag the divergence rather than pass.
	h := newHarness(t, 1)
	ctx := context.Background()

	streamURN := h.create(t, 0)
	entryURN := h.createEntry(t, streamURN, map[string]any{"state": "initial"})

	require.NoError(t, h.engine.UpdateEntry(ctx, entryURN,
		map[string]any{"state": "updated"}, testUser, testNode))

	result, err := h.engine.GetEntry(ctx, entryURN, true)
	require.NoError(t, err)
	assert.Equal(t, datatypes.VerificationImmutableHashMismatch, result.Verification.State)
}

func TestRemoveEntrySoftDeletes(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	streamURN := h.create(t, 3)
	page, err := h.engine.FindEntries(ctx, streamURN, FindEntriesRequest{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 3)
	victim := urn.FormatEntry(page.Entries[0].Entry.StreamID, page.Entries[0].Entry.ID)

	require.NoError(t, h.engine.RemoveEntry(ctx, victim, testUser, testNode))

	t.Run("hidden from default listing", func(t *testing.T) {
		page, err := h.engine.FindEntries(ctx, streamURN, FindEntriesRequest{})
		require.NoError(t, err)
		assert.Len(t, page.Entries, 2)
	})

	t.Run("visible with includeDeleted", func(t *testing.T) {
		page, err := h.engine.FindEntries(ctx, streamURN, FindEntriesRequest{IncludeDeleted: true})
		require.NoError(t, err)
		require.Len(t, page.Entries, 3)
	})

	t.Run("record keeps hash and signature", func(t *testing.T) {
		result, err := h.engine.GetEntry(ctx, victim, true)
		require.NoError(t, err)
		assert.NotNil(t, result.Entry.DateDeleted)
		assert.Equal(t, datatypes.VerificationOk, result.Verification.State)
	})

	t.Run("marks the modification time", func(t *testing.T) {
		result, err := h.engine.GetEntry(ctx, victim, false)
		require.NoError(t, err)
		require.NotNil(t, result.Entry.DateModified)
		assert.True(t, result.Entry.DateModified.Equal(*result.Entry.DateDeleted))
	})

	t.Run("idempotent", func(t *testing.T) {
		require.NoError(t, h.engine.RemoveEntry(ctx, victim, testUser, testNode))
	})
}

func TestIndexNeverReusedAfterDelete(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	streamURN := h.create(t, 2)
	page, err := h.engine.FindEntries(ctx, streamURN, FindEntriesRequest{})
	require.NoError(t, err)
	latest := urn.FormatEntry(page.Entries[0].Entry.StreamID, page.Entries[0].Entry.ID)
	require.NoError(t, h.engine.RemoveEntry(ctx, latest, testUser, testNode))

	entryURN := h.createEntry(t, streamURN, map[string]any{"n": 99})
	result, err := h.engine.GetEntry(ctx, entryURN, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Entry.Index)
}

func TestFindEntriesCursorKeepsDeletedVisibility(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	streamURN := h.create(t, 4)
	page, err := h.engine.FindEntries(ctx, streamURN, FindEntriesRequest{})
	require.NoError(t, err)
	victim := urn.FormatEntry(page.Entries[0].Entry.StreamID, page.Entries[0].Entry.ID)
	require.NoError(t, h.engine.RemoveEntry(ctx, victim, testUser, testNode))

	first, err := h.engine.FindEntries(ctx, streamURN, FindEntriesRequest{
		IncludeDeleted: true,
		PageSize:       2,
	})
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	require.NotEmpty(t, first.Cursor)
	assert.True(t, strings.HasSuffix(first.Cursor, "|true"))

	// The follow-up request omits the flag; the cursor must carry it.
	second, err := h.engine.FindEntries(ctx, streamURN, FindEntriesRequest{
		PageSize: 2,
		Cursor:   first.Cursor,
	})
	require.NoError(t, err)
	require.Len(t, second.Entries, 2)

	total := append(first.Entries, second.Entries...)
	deletedSeen := false
	for _, r := range total {
		if r.Entry.Deleted() {
			deletedSeen = true
		}
	}
	assert.True(t, deletedSeen, "deleted entry must stay visible across pages")
}

func TestFindEntriesProjection(t *testing.T) {
	h := newHarness(t, 0)

	streamURN := h.create(t, 1)
	page, err := h.engine.FindEntries(context.Background(), streamURN, FindEntriesRequest{
		Properties: []string{"id", "index"},
	})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	view := page.Entries[0].View
	require.NotNil(t, view)
	assert.Contains(t, view, "id")
	assert.Contains(t, view, "index")
	assert.NotContains(t, view, "entryObject")
}

func TestFindEntriesConditions(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	streamURN := h.create(t, 0)
	h.createEntry(t, streamURN, map[string]any{"event": map[string]any{"kind": "deploy"}})
	h.createEntry(t, streamURN, map[string]any{"event": map[string]any{"kind": "rollback"}})

	page, err := h.engine.FindEntries(ctx, streamURN, FindEntriesRequest{
		Conditions: []datatypes.Condition{{
			Property:   "entryObject.event.kind",
			Comparison: datatypes.ComparisonEquals,
			Value:      "rollback",
		}},
	})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "rollback", page.Entries[0].Entry.EntryObject["event"].(map[string]any)["kind"])
}

func TestGetEntryObjects(t *testing.T) {
	h := newHarness(t, 0)

	streamURN := h.create(t, 3)
	page, err := h.engine.GetEntryObjects(context.Background(), streamURN, FindEntriesRequest{})
	require.NoError(t, err)
	require.Len(t, page.Objects, 3)
	for _, obj := range page.Objects {
		assert.Contains(t, obj, "n")
	}
}

// =============================================================================
// Verification states
// =============================================================================

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	streamURN := h.create(t, 0)
	entryURN := h.createEntry(t, streamURN, map[string]any{"amount": 100})

	// Tamper behind the engine's back.
	streamID, entryID, err := urn.ParseEntry(entryURN)
	require.NoError(t, err)
	entry, err := h.entries.Get(ctx, streamID, entryID)
	require.NoError(t, err)
	entry.EntryObject["amount"] = 1000000
	require.NoError(t, h.entries.Put(ctx, entry))

	result, err := h.engine.GetEntry(ctx, entryURN, true)
	require.NoError(t, err)
	assert.Equal(t, datatypes.VerificationHashMismatch, result.Verification.State)
	assert.NotEmpty(t, result.Verification.Hash)
	assert.NotEmpty(t, result.Verification.StoredHash)
	assert.NotEqual(t, result.Verification.Hash, result.Verification.StoredHash)
}

func TestVerifyDetectsForgedSignature(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	streamURN := h.create(t, 0)
	entryURN := h.createEntry(t, streamURN, map[string]any{"n": 1})

	streamID, entryID, err := urn.ParseEntry(entryURN)
	require.NoError(t, err)
	entry, err := h.entries.Get(ctx, streamID, entryID)
	require.NoError(t, err)
	entry.Signature = "Zm9yZ2VkIHNpZ25hdHVyZSBmb3JnZWQgc2lnbmF0dXJlIGZvcmdlZCBzaWduYXR1cmVz"
	require.NoError(t, h.entries.Put(ctx, entry))

	result, err := h.engine.GetEntry(ctx, entryURN, true)
	require.NoError(t, err)
	assert.Equal(t, datatypes.VerificationSignatureNotVerified, result.Verification.State)
}

func TestVerifyDetectsRevokedCredential(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	streamURN := h.create(t, 0)
	streamID, _ := urn.ParseStream(streamURN)
	stream, err := h.streams.Get(ctx, streamID)
	require.NoError(t, err)

	blob, err := h.blobs.Fetch(ctx, stream.ImmutableStorageID)
	require.NoError(t, err)
	checked, err := h.issuer.Check(ctx, string(blob))
	require.NoError(t, err)
	h.issuer.Revoke(checked.ID)

	view, err := h.engine.Get(ctx, streamURN, GetOptions{VerifyStream: true})
	require.NoError(t, err)
	assert.Equal(t, datatypes.VerificationCredentialRevoked, view.Verification.State)
}

func TestVerifyDetectsIndexMismatch(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	streamURN := h.create(t, 0)
	entryURN := h.createEntry(t, streamURN, map[string]any{"n": 1})

	// Re-anchor the entry with a credential that matches its hash and
	// signature but attests a different index.
	streamID, entryID, err := urn.ParseEntry(entryURN)
	require.NoError(t, err)
	entry, err := h.entries.Get(ctx, streamID, entryID)
	require.NoError(t, err)

	wrongIndex := 5
	token, err := h.issuer.Issue(ctx, testNode, identity.TypeEntryCredential, identity.CredentialSubject{
		ID:           entryURN,
		DateCreated:  entry.DateCreated.Format(hashing.TimeFormat),
		UserIdentity: entry.UserIdentity,
		Hash:         entry.Hash,
		Signature:    entry.Signature,
		Index:        &wrongIndex,
	})
	require.NoError(t, err)
	blobID, err := h.blobs.Store(ctx, []byte(token))
	require.NoError(t, err)
	entry.ImmutableStorageID = blobID
	require.NoError(t, h.entries.Put(ctx, entry))

	result, err := h.engine.GetEntry(ctx, entryURN, true)
	require.NoError(t, err)
	assert.Equal(t, datatypes.VerificationIndexMismatch, result.Verification.State)
}

func TestVerifyRejectsWrongCredentialType(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	streamURN := h.create(t, 0)
	entryURN := h.createEntry(t, streamURN, map[string]any{"n": 1})

	// Anchor the entry with a stream-typed credential. The subject still
	// matches, but the artifact is the wrong kind, which is corruption
	// rather than drift.
	streamID, entryID, err := urn.ParseEntry(entryURN)
	require.NoError(t, err)
	entry, err := h.entries.Get(ctx, streamID, entryID)
	require.NoError(t, err)

	token, err := h.issuer.Issue(ctx, testNode, identity.TypeStreamCredential, identity.CredentialSubject{
		ID:           entryURN,
		DateCreated:  entry.DateCreated.Format(hashing.TimeFormat),
		UserIdentity: entry.UserIdentity,
		Hash:         entry.Hash,
		Signature:    entry.Signature,
	})
	require.NoError(t, err)
	blobID, err := h.blobs.Store(ctx, []byte(token))
	require.NoError(t, err)
	entry.ImmutableStorageID = blobID
	require.NoError(t, h.entries.Put(ctx, entry))

	_, err = h.engine.GetEntry(ctx, entryURN, true)
	assert.ErrorIs(t, err, identity.ErrMalformedCredential)
}

// =============================================================================
// Immutable teardown
// =============================================================================

func TestRemoveImmutable(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	streamURN := h.create(t, 3)
	require.Equal(t, 4, h.blobs.count())

	require.NoError(t, h.engine.RemoveImmutable(ctx, streamURN, testNode))
	assert.Equal(t, 0, h.blobs.count())

	streamID, _ := urn.ParseStream(streamURN)
	stream, err := h.streams.Get(ctx, streamID)
	require.NoError(t, err)
	assert.Empty(t, stream.ImmutableStorageID)

	page, err := h.engine.FindEntries(ctx, streamURN, FindEntriesRequest{})
	require.NoError(t, err)
	for _, r := range page.Entries {
		assert.Empty(t, r.Entry.ImmutableStorageID)
	}

	// Unanchored records still verify: the credential rung is skipped.
	view, err := h.engine.Get(ctx, streamURN, GetOptions{VerifyStream: true})
	require.NoError(t, err)
	assert.Equal(t, datatypes.VerificationOk, view.Verification.State)

	// Idempotent.
	require.NoError(t, h.engine.RemoveImmutable(ctx, streamURN, testNode))
}

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
	"fmt"

	"github.com/AleutianAI/AuditStream/services/stream/datatypes"
	"github.com/AleutianAI/AuditStream/services/stream/hashing"
	"github.com/AleutianAI/AuditStream/services/stream/identity"
)

// Verification walks a fixed ladder per record: recomputed hash, then
// stored signature over that hash, then (when the record is anchored)
// the credential fetched from immutable storage. The first failing rung
// fixes the reported state. Errors are reserved for infrastructure
// failures; a tampered record is a state, not an error.

// verifyStream checks a stream record end to end.
func (e *Engine) verifyStream(ctx context.Context, stream *datatypes.Stream) (*datatypes.Verification, error) {
	digest, err := hashing.StreamDigest(stream)
	if err != nil {
		return nil, err
	}
	v, err := e.verifyRecord(ctx, recordFacts{
		id:                 stream.ID,
		digest:             digest,
		storedHash:         stream.Hash,
		storedSignature:    stream.Signature,
		immutableStorageID: stream.ImmutableStorageID,
	})
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveVerification(string(v.State))
	return v, nil
}

// verifyEntry checks an entry record end to end, including the index
// anchored in its credential.
func (e *Engine) verifyEntry(ctx context.Context, nodeIdentity string, entry *datatypes.Entry) (*datatypes.Verification, error) {
	digest, err := hashing.EntryDigest(nodeIdentity, entry)
	if err != nil {
		return nil, err
	}
	index := entry.Index
	v, err := e.verifyRecord(ctx, recordFacts{
		id:                 entry.ID,
		digest:             digest,
		storedHash:         entry.Hash,
		storedSignature:    entry.Signature,
		immutableStorageID: entry.ImmutableStorageID,
		index:              &index,
	})
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveVerification(string(v.State))
	return v, nil
}

// recordFacts is the record-type-independent input to the ladder. index
// is nil for streams.
type recordFacts struct {
	id                 string
	digest             []byte
	storedHash         string
	storedSignature    string
	immutableStorageID string
	index              *int
}

func (e *Engine) verifyRecord(ctx context.Context, f recordFacts) (*datatypes.Verification, error) {
	computed := base64.StdEncoding.EncodeToString(f.digest)
	if computed != f.storedHash {
		return &datatypes.Verification{
			State:      datatypes.VerificationHashMismatch,
			ID:         f.id,
			Hash:       computed,
			StoredHash: f.storedHash,
		}, nil
	}

	signature, err := base64.StdEncoding.DecodeString(f.storedSignature)
	if err != nil {
		return &datatypes.Verification{State: datatypes.VerificationSignatureNotVerified, ID: f.id}, nil
	}
	ok, err := e.signer.Verify(ctx, e.cfg.VaultKeyID, f.digest, signature)
	if err != nil {
		return nil, fmt.Errorf("verify signature: %w", err)
	}
	if !ok {
		return &datatypes.Verification{State: datatypes.VerificationSignatureNotVerified, ID: f.id}, nil
	}

	if f.immutableStorageID != "" {
		if state, err := e.checkCredential(ctx, f); err != nil {
			return nil, err
		} else if state != datatypes.VerificationOk {
			return &datatypes.Verification{State: state, ID: f.id}, nil
		}
	}

	return &datatypes.Verification{State: datatypes.VerificationOk, ID: f.id}, nil
}

// checkCredential compares the anchored credential against the stored
// record. The stored hash equals the recomputed one by the time this
// runs, so a credential mismatch means the record drifted after it was
// anchored.
func (e *Engine) checkCredential(ctx context.Context, f recordFacts) (datatypes.VerificationState, error) {
	blob, err := e.blobs.Fetch(ctx, f.immutableStorageID)
	if err != nil {
		return "", fmt.Errorf("fetch credential %s: %w", f.immutableStorageID, err)
	}
	credential, err := e.issuer.Check(ctx, string(blob))
	if err != nil {
		return "", fmt.Errorf("check credential %s: %w", f.immutableStorageID, err)
	}

	if credential.Revoked {
		return datatypes.VerificationCredentialRevoked, nil
	}
	if credential.Subject.Hash != f.storedHash {
		return datatypes.VerificationImmutableHashMismatch, nil
	}
	if credential.Subject.Signature != f.storedSignature {
		return datatypes.VerificationImmutableSignatureMismatch, nil
	}
	expectedType := identity.TypeStreamCredential
	if f.index != nil {
		expectedType = identity.TypeEntryCredential
	}
	// A wrong-typed credential means the blob store returned the wrong
	// artifact; its subject fields cannot be compared meaningfully.
	if !hasType(credential.Types, expectedType) {
		return "", fmt.Errorf("%w: expected %s type", identity.ErrMalformedCredential, expectedType)
	}
	if f.index != nil {
		if credential.Subject.Index == nil || *credential.Subject.Index != *f.index {
			return datatypes.VerificationIndexMismatch, nil
		}
	}

	return datatypes.VerificationOk, nil
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

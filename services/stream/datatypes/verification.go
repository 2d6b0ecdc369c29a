// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// VerificationState enumerates the outcome of verifying a single record.
//
// States are evaluated in a fixed order; the first failing check fixes
// the final state.
type VerificationState string

const (
	// VerificationOk means hash, signature and (when anchored) the
	// credential all match the stored record.
	VerificationOk VerificationState = "ok"

	// VerificationHashMismatch means the recomputed digest differs from
	// the stored hash.
	VerificationHashMismatch VerificationState = "hashMismatch"

	// VerificationSignatureNotVerified means the stored signature does not
	// verify over the recomputed hash.
	VerificationSignatureNotVerified VerificationState = "signatureNotVerified"

	// VerificationCredentialRevoked means the anchored credential has been
	// revoked by the identity backend.
	VerificationCredentialRevoked VerificationState = "credentialRevoked"

	// VerificationImmutableHashMismatch means the anchored credential
	// carries a different hash than the stored record.
	VerificationImmutableHashMismatch VerificationState = "immutableHashMismatch"

	// VerificationImmutableSignatureMismatch means the anchored credential
	// carries a different signature than the stored record.
	VerificationImmutableSignatureMismatch VerificationState = "immutableSignatureMismatch"

	// VerificationIndexMismatch means the anchored credential carries a
	// different index than the stored entry.
	VerificationIndexMismatch VerificationState = "indexMismatch"
)

// Verification is the per-record result of a verification pass.
type Verification struct {
	// State is the final verification state.
	State VerificationState `json:"state"`

	// ID is the raw record id, when known.
	ID string `json:"id,omitempty"`

	// Hash is the recomputed base64 digest, reported on hash mismatch.
	Hash string `json:"hash,omitempty"`

	// StoredHash is the hash persisted on the record, reported on hash
	// mismatch.
	StoredHash string `json:"storedHash,omitempty"`
}

// Ok reports whether the verification passed all checks.
func (v *Verification) Ok() bool {
	return v != nil && v.State == VerificationOk
}

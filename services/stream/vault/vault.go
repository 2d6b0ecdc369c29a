// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vault is the signing gateway: it signs and verifies bytes
// under named keys without exposing private key material to callers.
//
// The in-process implementation holds Ed25519 seeds in memguard enclaves
// so key material is encrypted at rest in memory and never swapped to
// disk. The seed is only decrypted for the duration of a single signing
// operation.
package vault

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrKeyNotFound is returned when an operation references a key id the
// vault does not hold.
var ErrKeyNotFound = errors.New("vault key not found")

// Signer signs and verifies bytes under a named vault key.
type Signer interface {
	// Sign returns the signature over data using the named key.
	Sign(ctx context.Context, keyID string, data []byte) ([]byte, error)

	// Verify reports whether signature is valid over data for the named
	// key. An invalid signature is (false, nil); errors are reserved for
	// lookup or I/O failures.
	Verify(ctx context.Context, keyID string, data, signature []byte) (bool, error)
}

// Ed25519Vault is an in-process Signer backed by Ed25519 keys.
//
// Safe for concurrent use.
type Ed25519Vault struct {
	mu    sync.RWMutex
	seeds map[string]*memguard.Enclave
	pubs  map[string]ed25519.PublicKey
}

// NewEd25519Vault creates an empty vault.
func NewEd25519Vault() *Ed25519Vault {
	return &Ed25519Vault{
		seeds: make(map[string]*memguard.Enclave),
		pubs:  make(map[string]ed25519.PublicKey),
	}
}

// EnsureKey creates the named key if it does not exist yet. Idempotent.
func (v *Ed25519Vault) EnsureKey(keyID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.seeds[keyID]; ok {
		return nil
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return fmt.Errorf("generate seed for key %s: %w", keyID, err)
	}
	private := ed25519.NewKeyFromSeed(seed)
	public := private.Public().(ed25519.PublicKey)

	// NewEnclave wipes the seed slice after sealing it.
	v.seeds[keyID] = memguard.NewEnclave(seed)
	v.pubs[keyID] = public
	return nil
}

// ImportSeed installs a key from an existing 32-byte Ed25519 seed. The
// caller's slice is wiped by memguard during sealing.
func (v *Ed25519Vault) ImportSeed(keyID string, seed []byte) error {
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("seed for key %s must be %d bytes, got %d", keyID, ed25519.SeedSize, len(seed))
	}

	private := ed25519.NewKeyFromSeed(seed)
	public := private.Public().(ed25519.PublicKey)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.seeds[keyID] = memguard.NewEnclave(seed)
	v.pubs[keyID] = public
	return nil
}

// Sign implements Signer.
func (v *Ed25519Vault) Sign(ctx context.Context, keyID string, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.mu.RLock()
	enclave, ok := v.seeds[keyID]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open enclave for key %s: %w", keyID, err)
	}
	defer buf.Destroy()

	private := ed25519.NewKeyFromSeed(buf.Bytes())
	return ed25519.Sign(private, data), nil
}

// Verify implements Signer.
func (v *Ed25519Vault) Verify(ctx context.Context, keyID string, data, signature []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	public, err := v.PublicKey(keyID)
	if err != nil {
		return false, err
	}
	if len(signature) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(public, data, signature), nil
}

// PublicKey returns the public half of the named key. Used by the
// identity gateway to verify credential JWTs.
func (v *Ed25519Vault) PublicKey(keyID string) (ed25519.PublicKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	public, ok := v.pubs[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return public, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity issues and checks the verifiable credentials that
// anchor stream and entry records.
//
// A credential is encoded as a JWT whose "vc" claim carries a W3C
// verifiable credential with an AuditableItemStreamCredential or
// AuditableItemStreamEntryCredential subject. Signing goes through the
// vault gateway so the private key never leaves its enclave; the JWT is
// assembled from the vault signature rather than handing golang-jwt a
// raw private key.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Credential type markers carried in the vc "type" array.
const (
	CredentialContext    = "https://www.w3.org/2018/credentials/v1"
	TypeVerifiable       = "VerifiableCredential"
	TypeStreamCredential = "AuditableItemStreamCredential"
	TypeEntryCredential  = "AuditableItemStreamEntryCredential"
)

// ErrMalformedCredential is returned when a blob does not decode to a
// credential JWT this service issued.
var ErrMalformedCredential = errors.New("malformed credential")

// CredentialSubject is the payload anchored for a record. For stream
// credentials Index is nil; for entry credentials it carries the entry's
// assigned position.
type CredentialSubject struct {
	ID           string `json:"id,omitempty"`
	DateCreated  string `json:"dateCreated"`
	UserIdentity string `json:"userIdentity"`
	Hash         string `json:"hash"`
	Signature    string `json:"signature"`
	Index        *int   `json:"index,omitempty"`
}

// CheckedCredential is the decoded result of checking a credential blob.
type CheckedCredential struct {
	// ID is the credential's unique id (the JWT jti claim).
	ID string

	// Issuer is the node identity that issued the credential.
	Issuer string

	// Types are the vc type markers.
	Types []string

	// Revoked reports whether the identity backend has revoked this
	// credential.
	Revoked bool

	// Subject is the anchored record material.
	Subject CredentialSubject
}

// Issuer issues and checks verifiable credentials.
type Issuer interface {
	// Issue signs a credential of the given type over the subject on
	// behalf of nodeIdentity and returns its JWT encoding.
	Issue(ctx context.Context, nodeIdentity, credentialType string, subject CredentialSubject) (string, error)

	// Check verifies a credential JWT's signature and decodes it,
	// including its revocation status.
	Check(ctx context.Context, token string) (*CheckedCredential, error)
}

// KeySigner is the slice of the vault the issuer needs: signing plus
// access to the public half for verification.
type KeySigner interface {
	Sign(ctx context.Context, keyID string, data []byte) ([]byte, error)
	PublicKey(keyID string) (ed25519.PublicKey, error)
}

// JWTIssuer implements Issuer with vault-backed EdDSA JWTs and an
// in-process revocation registry.
type JWTIssuer struct {
	keys              KeySigner
	keyID             string
	assertionMethodID string
	clock             func() time.Time

	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewJWTIssuer creates an issuer signing with the named vault key and
// advertising the given assertion method fragment in the JWT header.
func NewJWTIssuer(keys KeySigner, keyID, assertionMethodID string) *JWTIssuer {
	return &JWTIssuer{
		keys:              keys,
		keyID:             keyID,
		assertionMethodID: assertionMethodID,
		clock:             func() time.Time { return time.Now().UTC() },
		revoked:           make(map[string]struct{}),
	}
}

// vcClaim is the "vc" JWT claim body.
type vcClaim struct {
	Context           string            `json:"@context"`
	Type              []string          `json:"type"`
	CredentialSubject CredentialSubject `json:"credentialSubject"`
}

// Issue implements Issuer.
func (i *JWTIssuer) Issue(ctx context.Context, nodeIdentity, credentialType string, subject CredentialSubject) (string, error) {
	now := i.clock()
	claims := jwt.MapClaims{
		"iss": nodeIdentity,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"vc": vcClaim{
			Context:           CredentialContext,
			Type:              []string{TypeVerifiable, credentialType},
			CredentialSubject: subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = nodeIdentity + "#" + i.assertionMethodID

	signingString, err := token.SigningString()
	if err != nil {
		return "", fmt.Errorf("build credential signing input: %w", err)
	}
	signature, err := i.keys.Sign(ctx, i.keyID, []byte(signingString))
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}

	return signingString + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// Check implements Issuer.
func (i *JWTIssuer) Check(ctx context.Context, tokenString string) (*CheckedCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	public, err := i.keys.PublicKey(i.keyID)
	if err != nil {
		return nil, fmt.Errorf("load verification key: %w", err)
	}

	token, err := jwt.Parse(tokenString,
		func(t *jwt.Token) (any, error) { return public, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCredential, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claim shape", ErrMalformedCredential)
	}

	checked := &CheckedCredential{}
	if jti, ok := claims["jti"].(string); ok {
		checked.ID = jti
	}
	if iss, ok := claims["iss"].(string); ok {
		checked.Issuer = iss
	}

	rawVC, ok := claims["vc"]
	if !ok {
		return nil, fmt.Errorf("%w: missing vc claim", ErrMalformedCredential)
	}
	vcBytes, err := json.Marshal(rawVC)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCredential, err)
	}
	var vc vcClaim
	if err := json.Unmarshal(vcBytes, &vc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCredential, err)
	}
	checked.Types = vc.Type
	checked.Subject = vc.CredentialSubject
	checked.Revoked = i.isRevoked(checked.ID)

	return checked, nil
}

// Revoke marks a credential id as revoked. Subsequent Check calls report
// Revoked for it.
func (i *JWTIssuer) Revoke(credentialID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.revoked[credentialID] = struct{}{}
}

func (i *JWTIssuer) isRevoked(credentialID string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.revoked[credentialID]
	return ok
}

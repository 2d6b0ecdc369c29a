// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine orchestrates the auditable item stream lifecycle.
//
// The engine is the sole writer of stream and entry records. Every
// record passes through the same pipeline on write: JSON-LD validation,
// Blake2b-256 digest, vault signature, and (at the configured index
// interval) anchoring via a verifiable credential written to immutable
// storage. Writers to a single stream are serialized by a per-stream
// lock so the stream's monotonic index counter cannot interleave; reads
// take a snapshot per call and never block behind writers.
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AuditStream/services/stream/datatypes"
	"github.com/AleutianAI/AuditStream/services/stream/hashing"
	"github.com/AleutianAI/AuditStream/services/stream/identity"
	"github.com/AleutianAI/AuditStream/services/stream/immutable"
	"github.com/AleutianAI/AuditStream/services/stream/jsonld"
	"github.com/AleutianAI/AuditStream/services/stream/lock"
	"github.com/AleutianAI/AuditStream/services/stream/store"
	"github.com/AleutianAI/AuditStream/services/stream/telemetry"
	"github.com/AleutianAI/AuditStream/services/stream/urn"
	"github.com/AleutianAI/AuditStream/services/stream/vault"
)

// Config is the engine's process-wide configuration, fixed at
// construction.
type Config struct {
	// VaultKeyID names the vault key that signs record hashes and
	// credentials.
	VaultKeyID string

	// AssertionMethodID is the verification method fragment advertised in
	// issued credentials.
	AssertionMethodID string

	// DefaultImmutableInterval applies when stream creation does not
	// specify an interval. 0 disables entry anchoring.
	DefaultImmutableInterval int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		VaultKeyID:               "auditable-item-stream",
		AssertionMethodID:        "auditable-item-stream",
		DefaultImmutableInterval: 10,
	}
}

// Dependencies are the collaborators injected into the engine.
type Dependencies struct {
	Streams *store.StreamStore
	Entries *store.EntryStore
	Signer  vault.Signer
	Issuer  identity.Issuer
	Blobs   immutable.Store
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Config  Config
}

// Engine implements the stream and entry operations.
type Engine struct {
	streams *store.StreamStore
	entries *store.EntryStore
	signer  vault.Signer
	issuer  identity.Issuer
	blobs   immutable.Store
	locks   *lock.KeyedMutex
	metrics *telemetry.Metrics
	log     *slog.Logger
	cfg     Config
	now     func() time.Time
}

// New creates an engine. Streams, Entries, Signer, Issuer and Blobs are
// required; Metrics and Logger fall back to no-op instances, and empty
// Config fields fall back to DefaultConfig values.
func New(deps Dependencies) (*Engine, error) {
	if deps.Streams == nil || deps.Entries == nil {
		return nil, errors.New("engine requires stream and entry stores")
	}
	if deps.Signer == nil || deps.Issuer == nil || deps.Blobs == nil {
		return nil, errors.New("engine requires signer, issuer and blob store")
	}

	cfg := deps.Config
	defaults := DefaultConfig()
	if cfg.VaultKeyID == "" {
		cfg.VaultKeyID = defaults.VaultKeyID
	}
	if cfg.AssertionMethodID == "" {
		cfg.AssertionMethodID = defaults.AssertionMethodID
	}
	if cfg.DefaultImmutableInterval < 0 {
		return nil, fmt.Errorf("default immutable interval must be non-negative, got %d", cfg.DefaultImmutableInterval)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	return &Engine{
		streams: deps.Streams,
		entries: deps.Entries,
		signer:  deps.Signer,
		issuer:  deps.Issuer,
		blobs:   deps.Blobs,
		locks:   lock.NewKeyedMutex(),
		metrics: metrics,
		log:     logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// =============================================================================
// Requests and views
// =============================================================================

// EntrySeed is the caller-supplied material for one new entry.
type EntrySeed struct {
	EntryObject map[string]any `json:"entryObject"`
}

// CreateOptions tunes stream creation.
type CreateOptions struct {
	// ImmutableInterval overrides the configured default. 0 disables
	// entry anchoring for this stream.
	ImmutableInterval *int `json:"immutableInterval,omitempty"`
}

// CreateRequest describes a stream creation.
type CreateRequest struct {
	AnnotationObject map[string]any
	Entries          []EntrySeed
	Options          *CreateOptions
	UserIdentity     string
	NodeIdentity     string
}

// GetOptions tunes a single-stream read.
type GetOptions struct {
	IncludeEntries bool
	IncludeDeleted bool
	VerifyStream   bool
	VerifyEntries  bool
}

// EntryResult is one entry in a read result, with its verification when
// requested and its projected view when a projection was supplied.
type EntryResult struct {
	Entry        *datatypes.Entry         `json:"entry"`
	Verification *datatypes.Verification  `json:"verification,omitempty"`
	View         map[string]any           `json:"view,omitempty"`
}

// StreamView is the result of a single-stream read.
type StreamView struct {
	Stream        *datatypes.Stream       `json:"stream"`
	Entries       []*EntryResult          `json:"entries,omitempty"`
	EntriesCursor string                  `json:"entriesCursor,omitempty"`
	Verification  *datatypes.Verification `json:"verification,omitempty"`
}

// QueryRequest describes a paginated stream listing.
type QueryRequest struct {
	Conditions []datatypes.Condition
	OrderBy    store.StreamOrder
	Direction  store.Direction
	Properties []string
	Cursor     string
	PageSize   int
}

// QueryResult is a page of projected streams.
type QueryResult struct {
	Streams []map[string]any `json:"streams"`
	Cursor  string           `json:"cursor,omitempty"`
}

// defaultStreamProperties is the projection applied when a stream query
// supplies none.
var defaultStreamProperties = []string{"id", "dateCreated", "dateModified", "annotationObject"}

// =============================================================================
// Stream operations
// =============================================================================

// Create creates a stream, optionally seeded with entries, and returns
// its URN. The stream record itself is always anchored on creation,
// regardless of the immutable interval.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (result string, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("create", err, started) }()
	defer wrapFailure(&err, opCreate)

	if req.UserIdentity == "" {
		return "", validationError("userIdentity is required")
	}
	if req.NodeIdentity == "" {
		return "", validationError("nodeIdentity is required")
	}
	if err := jsonld.Validate(req.AnnotationObject); err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	interval := e.cfg.DefaultImmutableInterval
	if req.Options != nil && req.Options.ImmutableInterval != nil {
		interval = *req.Options.ImmutableInterval
	}
	if interval < 0 {
		return "", validationError("immutableInterval must be non-negative")
	}

	id, err := urn.NewID()
	if err != nil {
		return "", err
	}
	now := e.now()

	stream := &datatypes.Stream{
		ID:                id,
		DateCreated:       now,
		DateModified:      &now,
		NodeIdentity:      req.NodeIdentity,
		UserIdentity:      req.UserIdentity,
		AnnotationObject:  req.AnnotationObject,
		ImmutableInterval: interval,
	}

	digest, err := hashing.StreamDigest(stream)
	if err != nil {
		return "", err
	}
	stream.Hash = base64.StdEncoding.EncodeToString(digest)

	signature, err := e.signer.Sign(ctx, e.cfg.VaultKeyID, digest)
	if err != nil {
		return "", fmt.Errorf("sign stream: %w", err)
	}
	stream.Signature = base64.StdEncoding.EncodeToString(signature)

	storageID, err := e.anchor(ctx, req.NodeIdentity, identity.TypeStreamCredential, identity.CredentialSubject{
		ID:           urn.FormatStream(id),
		DateCreated:  now.Format(hashing.TimeFormat),
		UserIdentity: req.UserIdentity,
		Hash:         stream.Hash,
		Signature:    stream.Signature,
	})
	if err != nil {
		return "", err
	}
	stream.ImmutableStorageID = storageID

	ec := &entryContext{
		now:               now,
		userIdentity:      req.UserIdentity,
		nodeIdentity:      req.NodeIdentity,
		immutableInterval: interval,
		indexCounter:      0,
		streamID:          id,
	}
	for _, seed := range req.Entries {
		// Each entry takes its own timestamp so creation-order listing is
		// total even within one batch.
		ec.now = e.now()
		if _, err := e.setEntry(ctx, ec, entrySeed{entryObject: seed.EntryObject}); err != nil {
			return "", err
		}
	}
	stream.IndexCounter = ec.indexCounter

	// Terminal put: the stream record is not visible until every entry
	// and anchor above has succeeded.
	if err := e.streams.Put(ctx, stream); err != nil {
		return "", err
	}

	e.log.Info("stream created",
		"stream_id", id,
		"entries", len(req.Entries),
		"immutable_interval", interval)

	return urn.FormatStream(id), nil
}

// Get loads a stream by URN, optionally with its first page of entries
// and verification results.
func (e *Engine) Get(ctx context.Context, streamURN string, opts GetOptions) (view *StreamView, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("get", err, started) }()
	defer wrapFailure(&err, opGet)

	streamID, err := urn.ParseStream(streamURN)
	if err != nil {
		return nil, err
	}
	stream, err := e.loadStream(ctx, streamID)
	if err != nil {
		return nil, err
	}

	view = &StreamView{Stream: stream}

	if opts.VerifyStream {
		verification, err := e.verifyStream(ctx, stream)
		if err != nil {
			return nil, err
		}
		view.Verification = verification
	}

	if opts.IncludeEntries {
		page, err := e.findEntries(ctx, stream, findEntriesParams{
			includeDeleted: opts.IncludeDeleted,
			verifyEntries:  opts.VerifyEntries,
		})
		if err != nil {
			return nil, err
		}
		view.Entries = page.Entries
		view.EntriesCursor = page.Cursor
	}

	return view, nil
}

// Update replaces the stream's annotation object. The stream is not
// rehashed or re-signed: the hash covers identity-bound attributes, not
// the mutable annotation. Updating with a deeply equal annotation is a
// no-op and leaves dateModified untouched.
func (e *Engine) Update(ctx context.Context, streamURN string, annotationObject map[string]any, userIdentity, nodeIdentity string) (err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("update", err, started) }()
	defer wrapFailure(&err, opUpdate)

	if userIdentity == "" || nodeIdentity == "" {
		return validationError("userIdentity and nodeIdentity are required")
	}
	if err := jsonld.Validate(annotationObject); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	streamID, err := urn.ParseStream(streamURN)
	if err != nil {
		return err
	}

	release, err := e.locks.Acquire(ctx, streamID)
	if err != nil {
		return err
	}
	defer release()

	stream, err := e.loadStream(ctx, streamID)
	if err != nil {
		return err
	}

	if jsonld.Equal(stream.AnnotationObject, annotationObject) {
		return nil
	}

	now := e.now()
	stream.AnnotationObject = annotationObject
	stream.DateModified = &now
	return e.streams.Put(ctx, stream)
}

// Query returns a page of streams matching the conditions, projected to
// the requested properties. The "entries" property is never expanded in
// a list query.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (result *QueryResult, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveOperation("query", err, started) }()
	defer wrapFailure(&err, opQuery)

	orderBy := req.OrderBy
	switch orderBy {
	case "":
		orderBy = store.StreamOrderCreated
	case store.StreamOrderCreated, store.StreamOrderModified:
	default:
		return nil, validationError("orderBy must be dateCreated or dateModified")
	}

	properties := req.Properties
	if len(properties) == 0 {
		properties = defaultStreamProperties
	}
	properties = stripProperty(properties, "entries")

	streams, cursor, err := e.streams.Query(ctx, store.StreamQuery{
		Conditions: req.Conditions,
		OrderBy:    orderBy,
		Direction:  req.Direction,
		Cursor:     req.Cursor,
		PageSize:   req.PageSize,
	})
	if err != nil {
		return nil, err
	}

	projected := make([]map[string]any, 0, len(streams))
	for _, s := range streams {
		doc, err := datatypes.AsDocument(s)
		if err != nil {
			return nil, err
		}
		projected = append(projected, datatypes.Project(doc, properties))
	}

	return &QueryResult{Streams: projected, Cursor: cursor}, nil
}

// =============================================================================
// Shared helpers
// =============================================================================

// loadStream maps store misses to the engine's ErrNotFound.
func (e *Engine) loadStream(ctx context.Context, streamID string) (*datatypes.Stream, error) {
	stream, err := e.streams.Get(ctx, streamID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: stream %s", ErrNotFound, streamID)
	}
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// anchor issues a credential over the subject and stores its JWT bytes
// in immutable storage, returning the storage id.
func (e *Engine) anchor(ctx context.Context, nodeIdentity, credentialType string, subject identity.CredentialSubject) (string, error) {
	token, err := e.issuer.Issue(ctx, nodeIdentity, credentialType, subject)
	if err != nil {
		return "", fmt.Errorf("issue credential: %w", err)
	}
	storageID, err := e.blobs.Store(ctx, []byte(token))
	if err != nil {
		return "", fmt.Errorf("store credential: %w", err)
	}
	e.metrics.ObserveAnchor()
	return storageID, nil
}

// wrapFailure wraps a non-nil error in the operation's error kind.
func wrapFailure(err *error, operation string) {
	if *err != nil {
		*err = opFailed(operation, *err)
	}
}

func stripProperty(properties []string, name string) []string {
	out := properties[:0:0]
	for _, p := range properties {
		if p != name {
			out = append(out, p)
		}
	}
	return out
}

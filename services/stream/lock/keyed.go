// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock serializes writers per stream.
//
// Entry indices are assigned from the stream's monotonic counter, so two
// concurrent writes to the same stream must not interleave between
// loading the counter and persisting it. KeyedMutex provides exactly
// that: one mutex per live key, created on demand and released when the
// last holder leaves. Reads never take the lock.
package lock

import (
	"context"
	"sync"
)

// KeyedMutex is a set of per-key mutexes with reference-counted cleanup.
//
// Safe for concurrent use. The engine holds at most one key lock at a
// time and never blocks on external I/O that another request would need
// the same lock for.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]*holder
}

type holder struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty lock set.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]*holder)}
}

// Acquire blocks until the key's lock is free or the context is done.
// On success the caller must call the returned release function exactly
// once.
func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	h, ok := m.held[key]
	if !ok {
		h = &holder{ch: make(chan struct{}, 1)}
		m.held[key] = h
	}
	h.refs++
	m.mu.Unlock()

	select {
	case h.ch <- struct{}{}:
		return func() { m.release(key, h) }, nil
	case <-ctx.Done():
		m.drop(key, h)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) release(key string, h *holder) {
	<-h.ch
	m.drop(key, h)
}

func (m *KeyedMutex) drop(key string, h *holder) {
	m.mu.Lock()
	h.refs--
	if h.refs == 0 {
		delete(m.held, key)
	}
	m.mu.Unlock()
}

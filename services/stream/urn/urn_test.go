// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package urn

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id, err := NewID()
	require.NoError(t, err)
	assert.Len(t, id, IDLength)
	assert.Equal(t, strings.ToLower(id), id)

	other, err := NewID()
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestParseStream(t *testing.T) {
	id, err := NewID()
	require.NoError(t, err)

	parsed, err := ParseStream(FormatStream(id))
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseStreamRejectsWrongNamespace(t *testing.T) {
	id, _ := NewID()
	_, err := ParseStream("other:" + id)
	assert.ErrorIs(t, err, ErrNamespaceMismatch)
}

func TestParseStreamRejectsMalformedID(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"no segments", "ais"},
		{"short id", "ais:abc123"},
		{"uppercase hex", "ais:" + strings.Repeat("A", IDLength)},
		{"non hex", "ais:" + strings.Repeat("z", IDLength)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseStream(tc.value)
			assert.Error(t, err)
		})
	}
}

func TestParseStreamRejectsEntryURN(t *testing.T) {
	a, _ := NewID()
	b, _ := NewID()
	_, err := ParseStream(FormatEntry(a, b))
	assert.ErrorIs(t, err, ErrInvalidURN)
}

func TestParseEntry(t *testing.T) {
	a, _ := NewID()
	b, _ := NewID()

	t.Run("full form", func(t *testing.T) {
		streamID, entryID, err := ParseEntry(FormatEntry(a, b))
		require.NoError(t, err)
		assert.Equal(t, a, streamID)
		assert.Equal(t, b, entryID)
	})

	t.Run("short form", func(t *testing.T) {
		streamID, entryID, err := ParseEntry(FormatStream(b))
		require.NoError(t, err)
		assert.Empty(t, streamID)
		assert.Equal(t, b, entryID)
	})

	t.Run("too many segments", func(t *testing.T) {
		_, _, err := ParseEntry("ais:" + a + ":" + b + ":" + a)
		assert.ErrorIs(t, err, ErrInvalidURN)
	})
}

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
	"errors"
	"fmt"

	"github.com/AleutianAI/AuditStream/services/stream/urn"
)

// Sentinel error kinds surfaced by the engine. Operation failures wrap
// these, so callers classify with errors.Is regardless of the wrapping
// operation.
var (
	// ErrValidation marks a rejected JSON-LD object or missing required
	// input.
	ErrValidation = errors.New("validation failed")

	// ErrNamespaceMismatch marks a URN outside the "ais" namespace.
	ErrNamespaceMismatch = urn.ErrNamespaceMismatch

	// ErrNotFound marks a missing stream or entry.
	ErrNotFound = errors.New("not found")
)

// Operation names used by OperationError. They match the error kinds the
// service surfaces to callers.
const (
	opCreate          = "createFailed"
	opGet             = "getFailed"
	opUpdate          = "updateFailed"
	opQuery           = "queryingFailed"
	opCreateEntry     = "creatingEntryFailed"
	opGetEntry        = "gettingEntryFailed"
	opGetEntryObject  = "gettingEntryObjectFailed"
	opUpdateEntry     = "updatingEntryFailed"
	opRemoveEntry     = "removingEntryFailed"
	opGetEntries      = "gettingEntriesFailed"
	opGetEntryObjects = "gettingEntryObjectsFailed"
	opRemoveImmutable = "removeImmutableFailed"
)

// OperationError wraps the underlying cause of a failed engine
// operation with the operation's error kind. The cause is never
// swallowed; errors.Is and errors.As see through the wrapper.
type OperationError struct {
	Operation string
	Err       error
}

func (e *OperationError) Error() string {
	return e.Operation + ": " + e.Err.Error()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func opFailed(operation string, err error) error {
	return &OperationError{Operation: operation, Err: err}
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

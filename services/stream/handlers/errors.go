// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the REST surface of the stream service.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AuditStream/services/stream/engine"
	"github.com/AleutianAI/AuditStream/services/stream/urn"
)

// Identity headers carried on mutating requests.
const (
	HeaderUserIdentity = "X-User-Identity"
	HeaderNodeIdentity = "X-Node-Identity"
)

// respondError maps engine error kinds onto HTTP statuses. Validation
// and URN failures are the caller's fault; a missing record is 404;
// everything else is a 500 whose detail stays in the server log.
func respondError(c *gin.Context, err error) {
	var opErr *engine.OperationError
	operation := "request"
	if errors.As(err, &opErr) {
		operation = opErr.Operation
	}

	switch {
	case errors.Is(err, engine.ErrValidation),
		errors.Is(err, engine.ErrNamespaceMismatch),
		errors.Is(err, urn.ErrInvalidURN):
		c.JSON(http.StatusBadRequest, gin.H{"error": operation, "detail": err.Error()})
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": operation, "detail": err.Error()})
	default:
		slog.Error("request failed", "operation", operation, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": operation})
	}
}

// streamURN normalizes the :id path segment; a bare hex id is accepted
// and prefixed with the namespace.
func streamURN(c *gin.Context) string {
	id := c.Param("id")
	if strings.HasPrefix(id, urn.Namespace+":") {
		return id
	}
	return urn.FormatStream(id)
}

// entryURN builds the entry URN from the path's stream and entry
// segments.
func entryURN(c *gin.Context) string {
	entryID := c.Param("entryId")
	if strings.HasPrefix(entryID, urn.Namespace+":") {
		return entryID
	}
	return streamURN(c) + ":" + entryID
}

func identities(c *gin.Context, defaultNode string) (user, node string) {
	user = c.GetHeader(HeaderUserIdentity)
	node = c.GetHeader(HeaderNodeIdentity)
	if node == "" {
		node = defaultNode
	}
	return user, node
}

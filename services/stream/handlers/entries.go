// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AuditStream/services/stream/engine"
	"github.com/AleutianAI/AuditStream/services/stream/store"
)

// entryBody is the payload for entry creation and update.
type entryBody struct {
	EntryObject map[string]any `json:"entryObject"`
}

// CreateEntry handles POST /streams/:id/entries.
func CreateEntry(eng *engine.Engine, nodeIdentity string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body entryBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "creatingEntryFailed", "detail": err.Error()})
			return
		}
		user, node := identities(c, nodeIdentity)

		id, err := eng.CreateEntry(c.Request.Context(), streamURN(c), body.EntryObject, user, node)
		if err != nil {
			respondError(c, err)
			return
		}

		c.Header("Location", "/streams/"+streamURN(c)+"/entries/"+id)
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// GetEntry handles GET /streams/:id/entries/:entryId.
func GetEntry(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := eng.GetEntry(c.Request.Context(), entryURN(c), boolQuery(c, "verifyEntry"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// GetEntryObject handles GET /streams/:id/entries/:entryId/object.
func GetEntryObject(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		object, err := eng.GetEntryObject(c.Request.Context(), entryURN(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, object)
	}
}

// UpdateEntry handles PUT /streams/:id/entries/:entryId.
func UpdateEntry(eng *engine.Engine, nodeIdentity string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body entryBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "updatingEntryFailed", "detail": err.Error()})
			return
		}
		user, node := identities(c, nodeIdentity)

		if err := eng.UpdateEntry(c.Request.Context(), entryURN(c), body.EntryObject, user, node); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// RemoveEntry handles DELETE /streams/:id/entries/:entryId.
func RemoveEntry(eng *engine.Engine, nodeIdentity string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, node := identities(c, nodeIdentity)
		if err := eng.RemoveEntry(c.Request.Context(), entryURN(c), user, node); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// FindEntries handles GET /streams/:id/entries.
func FindEntries(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := eng.FindEntries(c.Request.Context(), streamURN(c), entriesRequest(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// GetEntryObjects handles GET /streams/:id/entries/objects.
func GetEntryObjects(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := eng.GetEntryObjects(c.Request.Context(), streamURN(c), entriesRequest(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

func entriesRequest(c *gin.Context) engine.FindEntriesRequest {
	req := engine.FindEntriesRequest{
		IncludeDeleted: boolQuery(c, "includeDeleted"),
		VerifyEntries:  boolQuery(c, "verifyEntries"),
		Direction:      store.Direction(c.Query("order")),
		Cursor:         c.Query("cursor"),
	}
	if props := c.Query("properties"); props != "" {
		req.Properties = strings.Split(props, ",")
	}
	if n, err := strconv.Atoi(c.DefaultQuery("pageSize", "0")); err == nil {
		req.PageSize = n
	}
	return req
}

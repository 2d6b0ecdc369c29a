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

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AuditStream/services/stream/datatypes"
	"github.com/AleutianAI/AuditStream/services/stream/engine"
	"github.com/AleutianAI/AuditStream/services/stream/store"
)

// createStreamBody is the POST /streams payload.
type createStreamBody struct {
	AnnotationObject map[string]any        `json:"annotationObject"`
	Entries          []engine.EntrySeed    `json:"entries"`
	Options          *engine.CreateOptions `json:"options"`
}

// CreateStream handles POST /streams.
func CreateStream(eng *engine.Engine, nodeIdentity string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body createStreamBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "createFailed", "detail": err.Error()})
			return
		}
		user, node := identities(c, nodeIdentity)

		id, err := eng.Create(c.Request.Context(), engine.CreateRequest{
			AnnotationObject: body.AnnotationObject,
			Entries:          body.Entries,
			Options:          body.Options,
			UserIdentity:     user,
			NodeIdentity:     node,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		c.Header("Location", "/streams/"+id)
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// GetStream handles GET /streams/:id.
func GetStream(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := eng.Get(c.Request.Context(), streamURN(c), engine.GetOptions{
			IncludeEntries: boolQuery(c, "includeEntries"),
			IncludeDeleted: boolQuery(c, "includeDeleted"),
			VerifyStream:   boolQuery(c, "verifyStream"),
			VerifyEntries:  boolQuery(c, "verifyEntries"),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// updateStreamBody is the PUT /streams/:id payload.
type updateStreamBody struct {
	AnnotationObject map[string]any `json:"annotationObject"`
}

// UpdateStream handles PUT /streams/:id.
func UpdateStream(eng *engine.Engine, nodeIdentity string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body updateStreamBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "updateFailed", "detail": err.Error()})
			return
		}
		user, node := identities(c, nodeIdentity)

		if err := eng.Update(c.Request.Context(), streamURN(c), body.AnnotationObject, user, node); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// queryStreamsBody is the POST /streams/query payload.
type queryStreamsBody struct {
	Conditions []datatypes.Condition `json:"conditions"`
	OrderBy    string                `json:"orderBy"`
	Direction  string                `json:"orderByDirection"`
	Properties []string              `json:"properties"`
	Cursor     string                `json:"cursor"`
	PageSize   int                   `json:"pageSize"`
}

// QueryStreams handles POST /streams/query.
func QueryStreams(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body queryStreamsBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "queryingFailed", "detail": err.Error()})
			return
		}

		result, err := eng.Query(c.Request.Context(), engine.QueryRequest{
			Conditions: body.Conditions,
			OrderBy:    store.StreamOrder(body.OrderBy),
			Direction:  store.Direction(body.Direction),
			Properties: body.Properties,
			Cursor:     body.Cursor,
			PageSize:   body.PageSize,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// RemoveImmutable handles DELETE /streams/:id/immutable.
func RemoveImmutable(eng *engine.Engine, nodeIdentity string) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, node := identities(c, nodeIdentity)
		if err := eng.RemoveImmutable(c.Request.Context(), streamURN(c), node); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func boolQuery(c *gin.Context, name string) bool {
	v, err := strconv.ParseBool(c.DefaultQuery(name, "false"))
	return err == nil && v
}

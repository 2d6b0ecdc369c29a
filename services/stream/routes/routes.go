// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AuditStream/services/stream/engine"
	"github.com/AleutianAI/AuditStream/services/stream/handlers"
)

// SetupRoutes registers the service's REST surface on the router.
// nodeIdentity is the fallback node identity applied when a request
// does not carry the X-Node-Identity header.
func SetupRoutes(router *gin.Engine, eng *engine.Engine, nodeIdentity string, gatherer prometheus.Gatherer) {
	router.GET("/health", handlers.HealthCheck)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	streams := router.Group("/streams")
	{
		streams.POST("", handlers.CreateStream(eng, nodeIdentity))
		streams.POST("/query", handlers.QueryStreams(eng))
		streams.GET("/:id", handlers.GetStream(eng))
		streams.PUT("/:id", handlers.UpdateStream(eng, nodeIdentity))
		streams.DELETE("/:id/immutable", handlers.RemoveImmutable(eng, nodeIdentity))

		entries := streams.Group("/:id/entries")
		{
			entries.POST("", handlers.CreateEntry(eng, nodeIdentity))
			entries.GET("", handlers.FindEntries(eng))
			entries.GET("/objects", handlers.GetEntryObjects(eng))
			entries.GET("/:entryId", handlers.GetEntry(eng))
			entries.GET("/:entryId/object", handlers.GetEntryObject(eng))
			entries.PUT("/:entryId", handlers.UpdateEntry(eng, nodeIdentity))
			entries.DELETE("/:entryId", handlers.RemoveEntry(eng, nodeIdentity))
		}
	}
}

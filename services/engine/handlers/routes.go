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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docflowio/docflow/services/engine/coordinator"
	"github.com/docflowio/docflow/services/engine/observability"
	"github.com/docflowio/docflow/services/engine/recon"
	"github.com/docflowio/docflow/services/engine/store"
)

// SetupRoutes registers the engine API on the router.
func SetupRoutes(router *gin.Engine, coord *coordinator.Coordinator, st *store.Store,
	engine *recon.Engine, metrics *observability.Metrics) {

	router.GET("/health", HealthCheck)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			metrics.Registry(), promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		runs := v1.Group("/runs")
		{
			runs.POST("", StartRun(coord))
			runs.GET("/:id", GetRun(st))
			runs.GET("/:id/nodes", GetRunNodes(st))
			runs.GET("/:id/failed", ListFailed(st))
			runs.GET("/:id/held", ListHeld(st))
		}

		v1.POST("/executions/:id/resume", ResumeExecution(coord))

		sets := v1.Group("/matching-sets")
		{
			sets.GET("/:id", GetMatchingSet(st))
			sets.POST("/:id/comparisons/:ruleId/force", ForceComparison(engine))
			sets.POST("/:id/reject", RejectSet(engine))
			sets.POST("/:id/rerun", RerunComparisons(engine))
		}
	}
}

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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/millsaustin/argus/handlers"
	"github.com/millsaustin/argus/middleware"
	"github.com/millsaustin/argus/pipeline"
)

func SetupRoutes(router *gin.Engine, pipe *pipeline.Pipeline) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group; every v1 route needs an asserted identity.
	v1 := router.Group("/v1")
	v1.Use(middleware.IdentityMiddleware())
	{
		proposals := v1.Group("/proposals")
		{
			proposals.POST("", handlers.CreateProposal(pipe))
			proposals.GET("/:id", handlers.GetProposal(pipe))
			proposals.POST("/:id/confirm", handlers.ConfirmProposal(pipe))
		}
		v1.POST("/actions", handlers.SubmitAction(pipe))
	}
}

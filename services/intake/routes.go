// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intake

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// RegisterRoutes registers all /v1/spotter routes with the router.
//
// Description:
//
//	Registers the session and turn endpoints on the given group. The
//	group should already carry otelgin and any auth middleware.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Session Endpoints:
//
//	POST   /v1/spotter/sessions - Create a session
//	GET    /v1/spotter/sessions - List recent sessions
//	GET    /v1/spotter/sessions/:id - Get sheet, gate state and readiness
//	DELETE /v1/spotter/sessions/:id - Delete a session
//	POST   /v1/spotter/sessions/:id/reset - Clear sheet and gate state
//
// Turn Endpoints (blocked until warmup completes):
//
//	POST /v1/spotter/sessions/:id/step - Run a structured proposal
//	POST /v1/spotter/sessions/:id/messages - Run a free-text message
//
// Sheet Endpoints:
//
//	GET /v1/spotter/sessions/:id/sheet - Export the sheet document
//	PUT /v1/spotter/sessions/:id/sheet - Restore a sheet document
//
// Health Endpoints:
//
//	GET /v1/spotter/health - Health check
//	GET /v1/spotter/ready - Readiness and upstream warmup state
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	spotter := rg.Group("/spotter")
	{
		spotter.POST("/sessions", handlers.HandleCreateSession)
		spotter.GET("/sessions", handlers.HandleListSessions)
		spotter.GET("/sessions/:id", handlers.HandleGetSession)
		spotter.DELETE("/sessions/:id", handlers.HandleDeleteSession)
		spotter.POST("/sessions/:id/reset", handlers.HandleResetSession)

		turns := spotter.Group("/sessions/:id", handlers.WarmupGuardMiddleware())
		turns.POST("/step", handlers.HandleStep)
		turns.POST("/messages", handlers.HandleMessage)

		spotter.GET("/sessions/:id/sheet", handlers.HandleExportSheet)
		spotter.PUT("/sessions/:id/sheet", handlers.HandleRestoreSheet)

		spotter.GET("/health", handlers.HandleHealth)
		spotter.GET("/ready", handlers.HandleReady)
	}
}

// WarmupGuardMiddleware rejects turn requests with 503 until startup
// warmup has finished, so the first user turn does not pay the cold-start
// cost of a sleeping upstream.
func (h *Handlers) WarmupGuardMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.IsReady() {
			c.Next()
			return
		}
		// otelgin has already extracted trace context from the headers.
		_, span := otel.Tracer("spotter.intake").Start(c.Request.Context(), "warmup_guard.reject",
			oteltrace.WithAttributes(
				attribute.String("path", c.FullPath()),
			),
		)
		span.End()
		c.Header("Retry-After", "5")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "service warming up, retry shortly",
			Code:  CodeNotReady,
		})
	}
}

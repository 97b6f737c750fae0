package main

import (
	"database/sql"
	"net/http"
	"time"

	"telehealth-calls/internal/httpapi"
	"telehealth-calls/pkg/utils"

	"github.com/gin-gonic/gin"
)

// routeDeps is everything registerRoutes needs. wsMW also accepts ?token= since
// browsers cannot set headers on websocket upgrades.
type routeDeps struct {
	handlers httpapi.Handlers
	authMW   gin.HandlerFunc
	wsMW     gin.HandlerFunc
	ws       gin.HandlerFunc
	db       *sql.DB
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := d.handlers

	// public
	r.GET("/healthz", func(c *gin.Context) {
		if d.db != nil {
			if err := utils.HealthCheck(c.Request.Context(), d.db, 2*time.Second); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": "unreachable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")

	// AUTH routes (token issuance). Development only; see Handlers.Login.
	v1.POST("/auth/login", h.Login)

	// Signaling websocket
	v1.GET("/ws", d.wsMW, d.ws)

	// protected API group
	protected := v1.Group("")
	protected.Use(d.authMW)
	{
		calls := protected.Group("/calls")
		calls.GET("/history", h.History)

		// Admin-only call views.
		admin := calls.Group("", httpapi.RequireAdmin()...)
		admin.GET("/active", h.Active)
		admin.GET("/:session_id/events", h.SessionEvents)
	}
}

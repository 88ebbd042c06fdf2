package main

import (
	"net/http"
	"time"

	"lobbyx/internal/auth"
	"lobbyx/internal/httpapi"
	"lobbyx/internal/rbac"
	"lobbyx/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d *deps) {
	h := d.handlers()

	// public
	r.GET("/healthz", func(c *gin.Context) {
		if d.db != nil {
			if err := utils.HealthCheck(c.Request.Context(), d.db, 2*time.Second); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
				return
			}
		}
		if d.rdb != nil {
			if err := d.rdb.Ping(c.Request.Context()).Err(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// AUTH routes (token issuance).
	// NOTE: This is a placeholder login route; real credential validation is not implemented.
	r.POST("/v1/auth/login", h.Login)

	// Tone assets are static renders and need no identity.
	r.GET("/v1/tones/:tone", h.Tone)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth))
	v1.Use(httpapi.MicrophonePermission())
	{
		v1.GET("/me", func(c *gin.Context) {
			id, _ := auth.IdentityFrom(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "name": id.DisplayName, "avatar": id.AvatarURL, "role": id.Role})
		})

		// CALLS routes
		callsGroup := v1.Group("/calls")
		{
			callsGroup.GET("/state", h.GetState)
			callsGroup.GET("/ws", h.StreamState)
			callsGroup.POST("", h.InitiateCall)
			callsGroup.POST("/answer", h.AnswerCall)
			callsGroup.POST("/reject", h.RejectCall)
			callsGroup.POST("/end", h.EndCall)
			callsGroup.POST("/mute", h.ToggleMute)
			callsGroup.POST("/deafen", h.ToggleDeafen)
			callsGroup.DELETE("/error", h.ClearError)
			callsGroup.GET("/history", h.CallHistory)
			callsGroup.GET("/summary", h.CallSummary)
		}

		v1.DELETE("/session", h.ReleaseSession)
		v1.GET("/users/:user_id/calls", rbac.RequireSelfOrAdmin("user_id"), h.UserCalls)

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.GET("/users/:user_id/calls", h.UserCalls)
		}
	}
}

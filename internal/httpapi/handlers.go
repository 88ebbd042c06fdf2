package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"lobbyx/internal/audit"
	"lobbyx/internal/auth"
	"lobbyx/internal/callstate"
	"lobbyx/internal/history"
	"lobbyx/internal/rbac"
	"lobbyx/internal/session"
	"lobbyx/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Sessions *session.Registry
	History  *history.Service

	// Audit records admin reads and session releases. Nil disables it.
	Audit *audit.Service

	// Streams caps concurrent state streams per user. Nil disables the cap.
	Streams StreamLimiter

	// AllowedOrigins for WebSocket upgrades; empty enforces same-origin.
	AllowedOrigins []string
}

// --- Auth ---

type loginRequest struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar"`
	Role      string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.Role == "" {
		req.Role = rbac.RoleUser
	}
	if req.UserID == "" || !rbac.Valid(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a valid role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), auth.Identity{
		UserID:      req.UserID,
		DisplayName: strings.TrimSpace(req.Name),
		AvatarURL:   strings.TrimSpace(req.AvatarURL),
		Role:        req.Role,
	})
	if err != nil {
		logger.FromGin(c).Error("token issuance failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Session ---

// manager returns the caller's session manager, starting it on first use.
func (h Handlers) manager(c *gin.Context) (*session.Manager, bool) {
	if h.Sessions == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "sessions not configured"})
		return nil, false
	}
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return nil, false
	}
	m, err := h.Sessions.Acquire(c.Request.Context(), callstate.Identity{
		UserID: id.UserID,
		Name:   id.DisplayName,
		Avatar: id.AvatarURL,
	})
	if err != nil {
		logger.FromGin(c).Error("session start failed", "user_id", id.UserID, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "call service unavailable"})
		return nil, false
	}
	return m, true
}

// ReleaseSession hangs up any call and stops listening for the caller.
func (h Handlers) ReleaseSession(c *gin.Context) {
	if h.Sessions == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "sessions not configured"})
		return
	}
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	var callID string
	if m, ok := h.Sessions.Get(uid); ok {
		if cur := m.State().CurrentCall; cur != nil {
			callID = cur.ID
		}
	}
	if err := h.Sessions.Release(c.Request.Context(), uid); err != nil {
		logger.FromGin(c).Warn("session release incomplete", "user_id", uid, "err", err)
	}
	if h.Audit != nil {
		h.Audit.LogSessionReleased(c.Request.Context(), actor(c), callID)
	}
	c.Status(http.StatusNoContent)
}

func actor(c *gin.Context) audit.Actor {
	id, _ := auth.IdentityFrom(c.Request.Context())
	return audit.Actor{UserID: id.UserID, Role: id.Role, IP: c.ClientIP()}
}

// MicrophonePermission surfaces the client's reported microphone state to
// the call state machine through the request context.
func MicrophonePermission() gin.HandlerFunc {
	return func(c *gin.Context) {
		if granted, ok := session.ParseMicrophone(c.GetHeader(session.MicrophoneHeader)); ok {
			c.Request = c.Request.WithContext(session.WithMicrophone(c.Request.Context(), granted))
		}
		c.Next()
	}
}

// callErrorStatus maps call action errors to HTTP status codes.
func callErrorStatus(err error) int {
	switch {
	case errors.Is(err, callstate.ErrInvalidArgument), errors.Is(err, callstate.ErrSelfCall):
		return http.StatusBadRequest
	case errors.Is(err, callstate.ErrCallInProgress), errors.Is(err, callstate.ErrReceiverBusy):
		return http.StatusConflict
	case errors.Is(err, callstate.ErrMicrophoneDenied):
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}

func abortCallError(c *gin.Context, err error, fallback string) {
	status := callErrorStatus(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": session.UserMessage(err, fallback)})
}

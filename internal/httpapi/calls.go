package httpapi

import (
	"net/http"
	"strings"

	"lobbyx/internal/callstate"
	"lobbyx/internal/calls"

	"github.com/gin-gonic/gin"
)

type initiateCallRequest struct {
	ReceiverID     string `json:"receiver_id"`
	ReceiverName   string `json:"receiver_name"`
	ReceiverAvatar string `json:"receiver_avatar"`
	ConversationID string `json:"conversation_id"`
	Type           string `json:"type"`
}

// GetState returns the caller's call UI state.
func (h Handlers) GetState(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, m.State())
}

// InitiateCall offers a call to another user.
func (h Handlers) InitiateCall(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	var req initiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	typ := calls.Type(strings.ToLower(strings.TrimSpace(req.Type)))
	if typ == "" {
		typ = calls.TypeVoice
	}

	rec, err := m.InitiateCall(c.Request.Context(), callstate.CallRequest{
		ReceiverID:     strings.TrimSpace(req.ReceiverID),
		ReceiverName:   strings.TrimSpace(req.ReceiverName),
		ReceiverAvatar: strings.TrimSpace(req.ReceiverAvatar),
		ConversationID: strings.TrimSpace(req.ConversationID),
		Type:           typ,
	})
	if err != nil {
		abortCallError(c, err, "Failed to start call")
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h Handlers) AnswerCall(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	if err := m.AnswerCall(c.Request.Context()); err != nil {
		abortCallError(c, err, "Failed to answer call")
		return
	}
	c.JSON(http.StatusOK, m.State())
}

func (h Handlers) RejectCall(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	if err := m.RejectCall(c.Request.Context()); err != nil {
		abortCallError(c, err, "Failed to reject call")
		return
	}
	c.JSON(http.StatusOK, m.State())
}

func (h Handlers) EndCall(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	if err := m.EndCall(c.Request.Context()); err != nil {
		abortCallError(c, err, "Failed to end call")
		return
	}
	c.JSON(http.StatusOK, m.State())
}

func (h Handlers) ToggleMute(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, m.ToggleMute())
}

func (h Handlers) ToggleDeafen(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, m.ToggleDeafen())
}

func (h Handlers) ClearError(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	m.ClearError()
	c.Status(http.StatusNoContent)
}

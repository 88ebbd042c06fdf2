package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lobbyx/internal/auth"
	"lobbyx/internal/calls"
	"lobbyx/internal/history"
	"lobbyx/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallHistory lists the caller's calls, newest first.
//
// Query: from, to (RFC3339, optional), limit (optional).
func (h Handlers) CallHistory(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	h.listHistory(c, uid)
}

// UserCalls lists the history of the user named in the path. Access control
// is left to the route; reads of someone else's history are audited.
func (h Handlers) UserCalls(c *gin.Context) {
	uid := strings.TrimSpace(c.Param("user_id"))
	if uid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	if a := actor(c); h.Audit != nil && a.UserID != uid {
		h.Audit.LogHistoryViewed(c.Request.Context(), a, uid)
	}
	h.listHistory(c, uid)
}

func (h Handlers) listHistory(c *gin.Context, userID string) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history not configured"})
		return
	}
	from, to, err := parseRange(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := 0
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	rows, err := h.History.History(c.Request.Context(), userID, history.ListOptions{From: from, To: to, Limit: limit})
	if err != nil {
		h.abortHistoryError(c, err)
		return
	}
	if rows == nil {
		rows = []calls.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "calls": rows})
}

// CallSummary aggregates the caller's calls. Both from and to are required.
func (h Handlers) CallSummary(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history not configured"})
		return
	}
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	from, to, err := parseRange(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sum, err := h.History.Summary(c.Request.Context(), uid, history.TimeRange{From: from, To: to})
	if err != nil {
		h.abortHistoryError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h Handlers) abortHistoryError(c *gin.Context, err error) {
	if errors.Is(err, history.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid time range"})
		return
	}
	logger.FromGin(c).Error("history query failed", "err", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
}

func parseRange(c *gin.Context) (from, to time.Time, err error) {
	if v := strings.TrimSpace(c.Query("from")); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return time.Time{}, time.Time{}, errors.New("from must be RFC3339")
		}
	}
	if v := strings.TrimSpace(c.Query("to")); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return time.Time{}, time.Time{}, errors.New("to must be RFC3339")
		}
	}
	return from.UTC(), to.UTC(), nil
}

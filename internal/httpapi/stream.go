package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"lobbyx/internal/session"
	"lobbyx/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames; anything larger is a protocol error.
	maxMessageSize = 512
)

// stateMessage is one frame of the state stream.
type stateMessage struct {
	Type  string        `json:"type"`
	State session.State `json:"state"`
}

func (h Handlers) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if len(h.AllowedOrigins) > 0 {
		allowed := h.AllowedOrigins
		u.CheckOrigin = func(r *http.Request) bool {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
		}
	}
	return u
}

// StreamState upgrades to a WebSocket and pushes every state change of the
// caller's session until either side goes away.
func (h Handlers) StreamState(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	uid := m.Identity().UserID
	log := logger.FromGin(c).With("user_id", uid)

	var slot string
	if h.Streams != nil {
		var acquired bool
		var err error
		slot, acquired, err = h.Streams.Acquire(c.Request.Context(), uid)
		if err != nil {
			log.Error("stream cap acquire failed", "err", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "stream unavailable"})
			return
		}
		if !acquired {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many open streams"})
			return
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 2*time.Second)
			defer cancel()
			if err := h.Streams.Release(ctx, uid, slot); err != nil {
				log.Warn("stream cap release failed", "err", err)
			}
		}()
	}

	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	updates, cancel := m.Watch()
	defer cancel()

	// Drain reads so control frames (pong, close) are processed.
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	log.Debug("state stream opened")
	defer log.Debug("state stream closed")

	for {
		select {
		case <-done:
			return
		case st, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			if err := conn.WriteJSON(stateMessage{Type: "state", State: st}); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			h.keepSlot(c.Request.Context(), log, uid, slot)
		}
	}
}

// keepSlot renews the stream's cap slot. A lost slot is logged and the
// stream stays open; the next ping tries again.
func (h Handlers) keepSlot(ctx context.Context, log *slog.Logger, uid, slot string) {
	if h.Streams == nil || slot == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	if err := h.Streams.Keep(ctx, uid, slot); err != nil {
		log.Warn("stream cap renew failed", "err", err)
	}
}

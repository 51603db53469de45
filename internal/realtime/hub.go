// Package realtime pushes processing-status snapshots to websocket
// subscribers so clients can watch pipeline progress without polling.
package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ProgressHub maintains video_id -> subscriber connections and fans out
// status snapshots published by the orchestrator.
type ProgressHub struct {
	mu     sync.RWMutex
	videos map[uuid.UUID]map[*subscriber]struct{}
	logger *zap.Logger
}

type subscriber struct {
	conn *websocket.Conn
	send chan models.ProcessingStatus
}

// NewProgressHub creates an empty hub.
func NewProgressHub(logger *zap.Logger) *ProgressHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHub{
		videos: make(map[uuid.UUID]map[*subscriber]struct{}),
		logger: logger,
	}
}

// PublishStatus fans a status snapshot out to every subscriber of the
// video. Slow subscribers are skipped, never blocked on.
func (h *ProgressHub) PublishStatus(videoID uuid.UUID, status models.ProcessingStatus) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.videos[videoID] {
		select {
		case sub.send <- status:
		default:
		}
	}
}

// ServeWS upgrades the request and streams status snapshots for the
// video until the client disconnects.
func (h *ProgressHub) ServeWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		videoID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid video id"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		sub := &subscriber{conn: conn, send: make(chan models.ProcessingStatus, 8)}
		h.register(videoID, sub)
		go h.writeLoop(videoID, sub)
		h.readLoop(videoID, sub)
	}
}

func (h *ProgressHub) register(videoID uuid.UUID, sub *subscriber) {
	h.mu.Lock()
	if h.videos[videoID] == nil {
		h.videos[videoID] = make(map[*subscriber]struct{})
	}
	h.videos[videoID][sub] = struct{}{}
	h.mu.Unlock()
}

func (h *ProgressHub) unregister(videoID uuid.UUID, sub *subscriber) {
	h.mu.Lock()
	if subs, ok := h.videos[videoID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.videos, videoID)
		}
	}
	h.mu.Unlock()
	sub.conn.Close()
}

func (h *ProgressHub) writeLoop(videoID uuid.UUID, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case status, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := sub.conn.WriteJSON(status); err != nil {
				return
			}
			// A terminal snapshot is the last one; close cleanly so
			// clients stop listening.
			if status.Complete {
				sub.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "complete"))
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *ProgressHub) readLoop(videoID uuid.UUID, sub *subscriber) {
	defer h.unregister(videoID, sub)
	sub.conn.SetReadLimit(512)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

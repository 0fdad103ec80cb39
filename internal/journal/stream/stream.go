// Package stream exposes the Activity Journal's live feed over WebSocket
// (spec §4.10, §6), grounded on the teacher's gateway/websocket hub/client
// pattern but narrowed to one broadcast stream of ActivityRecords with
// per-connection agent-name filtering instead of per-task subscriptions.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/journal"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribeRequest is the client's initial filter message: an empty
// AgentName subscribes to the whole fleet's feed.
type subscribeRequest struct {
	AgentName string `json:"agent_name,omitempty"`
}

// Client is a single live-feed WebSocket connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, log *logging.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("stream client send buffer full, dropping message")
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump reads client messages until the connection closes; each
// well-formed subscribe message replaces the filter, and malformed ones
// are ignored.
func (c *Client) readPump(ctx context.Context, onFilter func(string)) {
	defer func() {
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}
		onFilter(req.AgentName)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handler serves the live activity feed over WebSocket.
type Handler struct {
	journal *journal.Journal
	logger  *logging.Logger
}

func NewHandler(j *journal.Journal, log *logging.Logger) *Handler {
	return &Handler{journal: j, logger: log.WithFields(zap.String("component", "journal_stream"))}
}

// ServeWS upgrades the connection and relays the journal's live feed,
// filtered first by the agent_name query parameter and then by the
// agent_name of each subscribe message the client sends.
func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade activity stream connection", zap.Error(err))
		return
	}

	client := newClient(conn, h.logger)
	h.logger.Debug("activity stream connection established", zap.String("client_id", client.id))

	var filterMu sync.Mutex
	filter := c.Query("agent_name")

	sub, err := h.journal.Subscribe("", func(ctx context.Context, rec *domain.ActivityRecord) {
		filterMu.Lock()
		f := filter
		filterMu.Unlock()
		if f != "" && rec.AgentName != f {
			return
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return
		}
		client.enqueue(data)
	})
	if err != nil {
		h.logger.Warn("failed to subscribe activity stream client", zap.Error(err))
		client.closeSend()
		_ = conn.Close()
		return
	}
	defer func() {
		_ = sub.Unsubscribe()
		client.closeSend()
	}()

	go client.writePump()
	client.readPump(c.Request.Context(), func(agentName string) {
		filterMu.Lock()
		filter = agentName
		filterMu.Unlock()
	})
}

// RegisterRoutes mounts the live activity feed at GET /ws/activity.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws/activity", h.ServeWS)
}

package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/yuv2819-cmyk/AgentGuard/internal/approval"
	"github.com/yuv2819-cmyk/AgentGuard/internal/auth"
	"github.com/yuv2819-cmyk/AgentGuard/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	refreshPeriod  = 5 * time.Second
	maxMessageSize = 64 * 1024
)

const (
	MessagePendingSnapshot  = "pending_snapshot"
	MessageApprovalResolved = "approval_resolved"
)

// WSMessage is what clients receive.
type WSMessage struct {
	Type       string             `json:"type"`
	ApprovalID string             `json:"approval_id,omitempty"`
	Status     string             `json:"status,omitempty"`
	Total      int                `json:"total,omitempty"`
	Pending    []approval.Request `json:"pending,omitempty"`

	workspaceID string
}

// forWorkspace narrows a snapshot to one workspace. An empty workspace sees
// everything.
func (m WSMessage) forWorkspace(ws string) (WSMessage, bool) {
	if ws == "" {
		return m, true
	}
	if m.Type != MessagePendingSnapshot {
		return m, m.workspaceID == "" || m.workspaceID == ws
	}

	out := m
	out.Pending = make([]approval.Request, 0, len(m.Pending))
	for _, r := range m.Pending {
		if r.WorkspaceID == ws {
			out.Pending = append(out.Pending, r)
		}
	}
	out.Total = len(out.Pending)
	return out, true
}

// Client is one websocket connection.
type Client struct {
	id          string
	workspaceID string
	conn        *websocket.Conn
	send        chan WSMessage
	hub         *Hub
	closeOnce   sync.Once
}

// Hub fans approval changes out to connected clients. It refreshes on the
// gate's notify channel and on a slow ticker to catch missed notifications
// and expiries, and keeps the pending-approvals gauge current.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan WSMessage
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	approvals  ApprovalService

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewHub creates hub and starts its loops
func NewHub(approvals ApprovalService) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		approvals:  approvals,
		ctx:        ctx,
		cancel:     cancel,
	}
	go h.run()
	if approvals != nil {
		go h.watchApprovals()
	}
	return h
}

// Shutdown closes every client and stops the hub.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		log.Info().Msg("shutting down websocket hub")
		h.cancel()
	})
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Str("client_id", client.id).Int("total", total).Msg("client connected")

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				msg, ok := message.forWorkspace(client.workspaceID)
				if !ok {
					continue
				}
				select {
				case client.send <- msg:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				h.remove(client)
			}

		case <-h.ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		client.close()
		log.Info().Str("client_id", client.id).Int("total", total).Msg("client disconnected")
	}
}

func (h *Hub) watchApprovals() {
	notifyCh := h.approvals.NotifyChannel()
	ticker := time.NewTicker(refreshPeriod)
	defer ticker.Stop()

	h.broadcastPending()
	for {
		select {
		case _, ok := <-notifyCh:
			if !ok {
				return
			}
			h.broadcastPending()
		case <-ticker.C:
			h.broadcastPending()
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) snapshot() (WSMessage, error) {
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()

	pending, err := h.approvals.ListPending(ctx, "")
	if err != nil {
		return WSMessage{}, err
	}
	return WSMessage{
		Type:    MessagePendingSnapshot,
		Total:   len(pending),
		Pending: pending,
	}, nil
}

func (h *Hub) broadcastPending() {
	msg, err := h.snapshot()
	if err != nil {
		log.Warn().Err(err).Msg("failed to list pending approvals for broadcast")
		return
	}
	metrics.SetPendingApprovals(msg.Total)
	h.publish(msg)
}

// BroadcastApprovalDecision tells clients a request left the pending set.
func (h *Hub) BroadcastApprovalDecision(approvalID, status string) {
	h.publish(WSMessage{
		Type:       MessageApprovalResolved,
		ApprovalID: approvalID,
		Status:     status,
	})
}

func (h *Hub) publish(msg WSMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			return
		}
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
			if err := c.conn.WriteJSON(message); err != nil {
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

// WSHandler upgrades /ws requests.
type WSHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewWSHandler creates websocket handler
func NewWSHandler(hub *Hub) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			// Authentication happens in middleware, including ?token= for browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the connection and sends the current pending set
// before streaming updates.
func (h *WSHandler) HandleWebSocket(c echo.Context) error {
	client := &Client{
		id:   uuid.NewString(),
		send: make(chan WSMessage, 64),
		hub:  h.hub,
	}
	if user := auth.GetUserFromContext(c); user != nil {
		client.workspaceID = user.WorkspaceID
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return err
	}
	client.conn = conn

	if h.hub.approvals != nil {
		if msg, err := h.hub.snapshot(); err == nil {
			if msg, ok := msg.forWorkspace(client.workspaceID); ok {
				client.send <- msg
			}
		}
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.ctx.Done():
		_ = conn.Close()
		return nil
	}

	go client.writePump()
	go client.readPump()

	return nil
}

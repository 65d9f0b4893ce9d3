// Package controlbus fans control messages out to connected compositor
// pages over WebSocket, with an authenticated HTTP injection endpoint.
package controlbus

import (
	"net/http"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stagecast/overlayproxy/internal/infrastructure/logging"
)

// Message is a control bus frame. Type is mandatory; the remaining fields
// depend on it ("reload" uses ID, "visibility" uses ID and Visible).
type Message struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Visible *bool  `json:"visible,omitempty"`
}

// Hub owns the set of connected control clients. Broadcasts reach every
// open connection; clients that fail a write are dropped on the spot.
type Hub struct {
	token   string
	log     *logging.Logger
	metrics ClientRecorder

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// ClientRecorder receives the connected-client count whenever it changes.
// monitoring.Metrics satisfies it; a nil recorder disables recording.
type ClientRecorder interface {
	SetControlClients(count int)
}

// NewHub creates a Hub. An empty token gets a generated one, logged once
// at startup so operators can drive the bus without pre-sharing secrets.
func NewHub(token string, log *logging.Logger) *Hub {
	if token == "" {
		token = uuid.NewString()
		log.Info("generated control token", zap.String("token", token))
	}
	return &Hub{
		token: token,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// WithMetrics attaches a client-count recorder.
func (h *Hub) WithMetrics(m ClientRecorder) *Hub {
	h.metrics = m
	return h
}

// recordClients publishes the client count; callers hold h.mu.
func (h *Hub) recordClients() {
	if h.metrics != nil {
		h.metrics.SetControlClients(len(h.clients))
	}
}

// Token returns the bearer token controlling /api/control.
func (h *Hub) Token() string {
	return h.token
}

// ClientCount reports how many control clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS upgrades an inbound request to a control bus connection and
// holds it until the peer disconnects. Inbound frames are drained and
// discarded; the bus is one-directional.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("control upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.recordClients()
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.recordClients()
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends a message to every connected client and returns how
// many received it.
func (h *Hub) Broadcast(msg any) int {
	body, err := sonic.Marshal(msg)
	if err != nil {
		h.log.Error("marshal control message", zap.Error(err))
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			conn.Close()
			delete(h.clients, conn)
			continue
		}
		sent++
	}
	h.recordClients()
	return sent
}

// ControlHandler accepts a JSON control message and broadcasts it.
// Requires the bearer token; the message must carry a type.
func (h *Hub) ControlHandler(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token != h.token {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	var msg map[string]any
	if err := sonic.Unmarshal(raw, &msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if t, _ := msg["type"].(string); t == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing type"})
		return
	}

	h.Broadcast(msg)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// HealthHandler reports liveness and connected client count.
func (h *Hub) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "clients": h.ClientCount()})
}

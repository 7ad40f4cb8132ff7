// Package stream pushes job list updates and user-facing notices to
// connected browsers over WebSocket.
package stream

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"tryon-canvas-server/modules/orchestrator"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The HTTP surface already runs behind permissive CORS.
		return true
	},
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans orchestrator updates out to all connected clients.
type Hub struct {
	orch *orchestrator.Orchestrator

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub(orch *orchestrator.Orchestrator) *Hub {
	return &Hub{
		orch:    orch,
		clients: make(map[*client]struct{}),
	}
}

// Run forwards orchestrator change signals to the clients. Each signal
// pushes a fresh job snapshot; signals coalesce under load.
func (h *Hub) Run() {
	updates := h.orch.Subscribe()
	h.orch.SetNoticeFunc(h.Notify)

	go func() {
		for range updates {
			h.broadcastJobs()
		}
	}()
	log.Println("✅ Job stream hub started")
}

// Notify pushes a user-facing message to all clients.
func (h *Hub) Notify(message string) {
	h.broadcast(map[string]interface{}{
		"type":    "notice",
		"message": message,
	})
}

func (h *Hub) broadcastJobs() {
	h.broadcast(map[string]interface{}{
		"type": "jobs",
		"jobs": h.orch.Jobs(),
		"idle": h.orch.Idle(),
	})
}

func (h *Hub) broadcast(payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("❌ Failed to marshal stream payload: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer, drop it.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// HandleWebSocket upgrades the connection and streams job updates. The
// current job list is pushed immediately so a reconnecting client catches up.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("🔌 Stream client connected (%d total)", count)

	go c.writePump()
	go c.readPump(h)

	h.broadcastJobs()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("🔌 Stream client disconnected (%d remaining)", count)
}

// readPump drains the connection; clients send nothing meaningful, but the
// read loop is what detects the disconnect.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("WebSocket write error: %v", err)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

package main

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/netmon"
	"github.com/driftline/driftline/internal/syncqueue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// control API is loopback only
		host, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			host = r.Host
		}
		return host == "localhost" || host == "127.0.0.1"
	},
}

// Event types pushed to connected UIs.
const (
	wsEventQueueEnqueued    = "queue.enqueued"
	wsEventQueueSynced      = "queue.synced"
	wsEventQueueFailed      = "queue.failed"
	wsEventQueueCleared     = "queue.cleared"
	wsEventConflictDetected = "conflict.detected"
	wsEventNetworkStatus    = "network.status"
)

// wsEnvelope wraps every outbound message.
type wsEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// wsClient is one connected UI.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *wsHub
}

// wsHub fans queue and network events out to connected clients.
type wsHub struct {
	log        *logging.Logger
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}

	mu      sync.Mutex
	clients map[*wsClient]bool

	detachQueue func()
	detachNet   func()
}

func newWSHub(log *logging.Logger) *wsHub {
	h := &wsHub{
		log:        log,
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		clients:    make(map[*wsClient]bool),
	}
	go h.run()
	return h
}

// attach subscribes the hub to queue and network events.
func (h *wsHub) attach(queue *syncqueue.Queue, monitor *netmon.Monitor) {
	h.detachQueue = queue.AddListener(func(ev syncqueue.Event) {
		data := map[string]interface{}{}
		if ev.Item != nil {
			data["item_id"] = ev.Item.ID
			data["entity_type"] = ev.Item.EntityType
			data["entity_id"] = ev.Item.EntityID
			data["status"] = string(ev.Item.Status)
			data["attempts"] = ev.Item.Attempts
		}

		switch ev.Type {
		case syncqueue.EventEnqueue:
			h.push(wsEventQueueEnqueued, data)
		case syncqueue.EventSuccess:
			h.push(wsEventQueueSynced, data)
		case syncqueue.EventFailure:
			if ev.Item != nil {
				data["error"] = ev.Item.LastError
			}
			h.push(wsEventQueueFailed, data)
		case syncqueue.EventConflict:
			if ev.Conflict != nil {
				data["conflict_id"] = ev.Conflict.ID
				data["message"] = ev.Conflict.Message
			}
			h.push(wsEventConflictDetected, data)
		case syncqueue.EventCleared:
			h.push(wsEventQueueCleared, data)
		}
	})

	h.detachNet = monitor.OnStatusChange(func(status netmon.Status) {
		h.push(wsEventNetworkStatus, map[string]interface{}{
			"status": string(status),
		})
	})
}

func (h *wsHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected",
				map[string]interface{}{"total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client] {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// slow client, drop it
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// push serializes and broadcasts one event.
func (h *wsHub) push(eventType string, data map[string]interface{}) {
	raw, err := json.Marshal(wsEnvelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	select {
	case h.broadcast <- raw:
	case <-h.done:
	}
}

func (h *wsHub) close() {
	if h.detachQueue != nil {
		h.detachQueue()
	}
	if h.detachNet != nil {
		h.detachNet()
	}
	close(h.done)
}

// handleWebSocket upgrades a connection and starts its pumps.
func (h *wsHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed",
			map[string]interface{}{"error": err.Error()})
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

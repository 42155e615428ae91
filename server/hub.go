package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"trendict/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendBuf  = 32
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from its own origin during development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans live updates out to connected dashboard clients. A client that
// cannot keep up with the broadcast rate is dropped rather than allowed to
// stall the rest.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*hubClient
	log     *logger.Log
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*hubClient),
		log:     logger.GetLogger(),
	}
}

// ServeWS upgrades the request and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &hubClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, clientSendBuf),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	count := len(h.clients)
	h.mu.Unlock()

	h.log.WithComponent("hub").WithFields(logger.Fields{
		"client_id": client.id,
		"clients":   count,
	}).Info("client connected")

	go h.writePump(client)
	go h.readPump(client)
}

// Broadcast marshals the message once and queues it to every client.
func (h *Hub) Broadcast(message interface{}) {
	payload, err := json.Marshal(message)
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Warn("marshal broadcast failed")
		return
	}

	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- payload:
		default:
			// Slow consumer; closing the connection makes its pumps exit.
			h.drop(c, "send buffer full")
		}
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client connection.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*hubClient)
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.conn.Close()
	}
	h.log.WithComponent("hub").WithFields(logger.Fields{"clients": len(clients)}).Info("hub shut down")
}

// drop unregisters the client and closes its connection. The send channel
// is never closed: Broadcast may be sending on it from several goroutines
// at once, and a send on a closed channel would panic the process. Both
// pumps exit on the dead connection instead.
func (h *Hub) drop(c *hubClient, reason string) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	if present {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()

	if !present {
		return
	}
	c.conn.Close()
	h.log.WithComponent("hub").WithFields(logger.Fields{
		"client_id": c.id,
		"reason":    reason,
	}).Info("client dropped")
}

func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.drop(c, "read pump closed")
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Clients do not send application data; the loop only drains control
	// frames and detects disconnects.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

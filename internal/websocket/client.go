package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/commandmesh/platform/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client represents a single WebSocket connection subscribed to one or
// more command/process status rooms.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]bool
	mu    sync.RWMutex
	log   *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		send:  make(chan []byte, 256),
		rooms: make(map[string]bool),
		log:   log,
	}
}

// ReadPump pumps join/leave requests from the connection to the hub.
// Must run in its own goroutine; returns when the connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Error("discarding malformed client frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case MessageTypeJoinRoom:
			c.handleJoinRoom(msg.Room)
		case MessageTypeLeaveRoom:
			c.handleLeaveRoom(msg.Room)
		}

		if c.hub.metrics != nil {
			c.hub.metrics.WSMessagesIn.Inc()
		}
	}
}

// WritePump pumps status updates from the hub to the connection,
// coalescing anything queued since the last write, and keeps the
// connection alive with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

			if c.hub.metrics != nil {
				c.hub.metrics.WSMessagesOut.Inc()
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// InRoom reports whether the client is subscribed to room.
func (c *Client) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[room]
}

func (c *Client) handleJoinRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.rooms[room] {
		c.rooms[room] = true
		c.hub.joinRoom(room, c)
	}
}

func (c *Client) handleLeaveRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rooms[room] {
		delete(c.rooms, room)
		c.hub.leaveRoom(room, c)
	}
}

package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/commandmesh/platform/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StatusUpdate is pushed to subscribers of a room whenever a publisher
// reports a lifecycle transition for it.
type StatusUpdate struct {
	Room      string          `json:"room"`
	Type      string          `json:"type"` // the executor publishes "command.status"
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Message is a client-originated frame for joining/leaving a room.
type Message struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

const (
	MessageTypeJoinRoom  = "join"
	MessageTypeLeaveRoom = "leave"
)

// Broadcast is an internal delivery unit routed to all clients in a room.
type Broadcast struct {
	Room    string
	Message []byte
	Sender  *Client
}

// Hub fans out status updates to subscribed WebSocket clients, grouped
// into rooms. The executor is the only publisher: it sends command.status
// updates into the room named by the command id; the process manager
// publishes nothing. A Redis pub/sub channel lets every gateway replica
// see updates published by executors on other instances.
type Hub struct {
	clients    map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	broadcast  chan *Broadcast

	redis    *redis.Client
	redisSub *redis.PubSub

	rooms   map[string]map[*Client]bool
	roomsMu sync.RWMutex

	log     *zap.Logger
	metrics *metrics.Metrics

	connCount int64

	ctx    context.Context
	cancel context.CancelFunc
}

const statusChannel = "commandmesh:status"

// NewHub creates a hub subscribed to the shared status pub/sub channel.
func NewHub(ctx context.Context, redisClient *redis.Client, log *zap.Logger, m *metrics.Metrics) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)

	h := &Hub{
		clients:    make(map[*Client]bool),
		Register:   make(chan *Client, 256),
		Unregister: make(chan *Client, 256),
		broadcast:  make(chan *Broadcast, 1024),
		rooms:      make(map[string]map[*Client]bool),
		redis:      redisClient,
		log:        log,
		metrics:    m,
		ctx:        hubCtx,
		cancel:     cancel,
	}

	h.redisSub = redisClient.Subscribe(hubCtx, statusChannel)

	return h
}

// Run starts the hub's main event loop. Blocks until the hub's context
// is cancelled.
func (h *Hub) Run() {
	go h.listenRedis()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case b := <-h.broadcast:
			h.broadcastMessage(b)
		}
	}
}

// Stop tears the hub down.
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) listenRedis() {
	ch := h.redisSub.Channel()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok || msg == nil {
				continue
			}

			var update StatusUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				h.log.Error("discarding malformed status update", zap.Error(err))
				continue
			}

			h.broadcast <- &Broadcast{Room: update.Room, Message: []byte(msg.Payload)}
		}
	}
}

// Publish pushes a status update via Redis so every gateway replica's
// hub delivers it to its locally connected subscribers.
func (h *Hub) Publish(ctx context.Context, room, updateType string, data json.RawMessage) error {
	update := StatusUpdate{
		Room:      room,
		Type:      updateType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}

	return h.redis.Publish(ctx, statusChannel, payload).Err()
}

func (h *Hub) registerClient(client *Client) {
	h.clients[client] = true
	h.connCount++
	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}
}

func (h *Hub) unregisterClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}

	delete(h.clients, client)
	h.connCount--
	if h.metrics != nil {
		h.metrics.WSConnections.Dec()
	}

	h.roomsMu.Lock()
	for room := range client.rooms {
		h.leaveRoomLocked(room, client)
	}
	h.roomsMu.Unlock()

	close(client.send)
}

func (h *Hub) broadcastMessage(b *Broadcast) {
	h.roomsMu.RLock()
	clients, ok := h.rooms[b.Room]
	h.roomsMu.RUnlock()
	if !ok {
		return
	}

	for client := range clients {
		if client == b.Sender {
			continue
		}
		select {
		case client.send <- b.Message:
		default:
			h.log.Warn("dropping status update, client buffer full",
				zap.String("room", b.Room))
		}
	}
}

func (h *Hub) joinRoom(room string, client *Client) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
}

func (h *Hub) leaveRoom(room string, client *Client) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	h.leaveRoomLocked(room, client)
}

func (h *Hub) leaveRoomLocked(room string, client *Client) {
	if clients, ok := h.rooms[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
}

// ConnectionCount returns the current number of connected clients.
func (h *Hub) ConnectionCount() int {
	return int(h.connCount)
}

func (h *Hub) shutdown() {
	for client := range h.clients {
		close(client.send)
	}
	if h.redisSub != nil {
		h.redisSub.Close()
	}
}

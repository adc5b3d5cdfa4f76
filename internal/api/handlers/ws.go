package handlers

import (
	"net/http"

	"github.com/commandmesh/platform/internal/websocket"
	"github.com/commandmesh/platform/pkg/logger"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebsocketHandler upgrades a connection and registers it with the hub.
// The client itself decides which rooms (command/process ids) to join
// by sending join/leave frames after the handshake.
type WebsocketHandler struct {
	hub *websocket.Hub
	log *logger.Logger
}

func NewWebsocketHandler(hub *websocket.Hub, log *logger.Logger) *WebsocketHandler {
	return &WebsocketHandler{hub: hub, log: log}
}

func (h *WebsocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := websocket.NewClient(h.hub, conn, h.log)

	select {
	case h.hub.Register <- client:
	default:
		h.log.Warn("websocket hub register channel full, dropping connection")
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

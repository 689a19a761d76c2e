package handlers

import (
	"context"
	"net/http"

	"chat-broker/internal/auth"
	"chat-broker/internal/broker"
	ws "chat-broker/internal/websocket"
	"chat-broker/pkg/logger"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	authService   *auth.Service
	broker        *broker.Broker
	upgrader      websocket.Upgrader
	sendBuffer    int
	maxFrameBytes int64
}

func NewWebSocketHandlers(authService *auth.Service, b *broker.Broker, sendBuffer int, maxFrameBytes int64) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService:   authService,
		broker:        b,
		sendBuffer:    sendBuffer,
		maxFrameBytes: maxFrameBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

// HandleWebSocket serves GET /ws?token=. The token is checked before the
// upgrade so a bad credential never gets a session.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromRequest(h.authService, r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client := ws.NewClient(conn, h.sendBuffer, h.maxFrameBytes, h.broker.IdleTimeout())
	session := h.broker.Open(client)
	client.Bind(session.ID, h.broker)

	go client.WritePump()

	// the request context ends with the handler; the session outlives it
	ctx := context.Background()
	if err := h.broker.Authenticate(ctx, session.ID, identity); err != nil {
		logger.Warn("Session %s rejected: %v", session.ID, err)
		conn.Close()
		return
	}

	go client.ReadPump(ctx)
}

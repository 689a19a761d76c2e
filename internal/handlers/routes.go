package handlers

import "net/http"

func NewRouter(authHandlers *AuthHandlers, channelHandlers *ChannelHandlers, wsHandlers *WebSocketHandlers) http.Handler {
	mux := http.NewServeMux()

	// Auth routes
	mux.HandleFunc("POST /login", authHandlers.Login)

	// Channel routes
	mux.HandleFunc("GET /channels/{id}/messages", channelHandlers.History)
	mux.HandleFunc("GET /presence", channelHandlers.Presence)
	mux.HandleFunc("POST /internal/channels/{id}/invalidate", channelHandlers.Invalidate)

	// WebSocket route
	mux.HandleFunc("GET /ws", wsHandlers.HandleWebSocket)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

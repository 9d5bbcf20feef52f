package ws

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// TokenParser resolves an access token to a user id.
type TokenParser interface {
	ParseToken(token string) (string, error)
}

// ServeWS returns an HTTP handler that upgrades to WebSocket.
// Auth is done via ?token=xxx query param (WebSocket can't send headers).
// Connections end when ctx ends.
func ServeWS(ctx context.Context, hub *Hub, tokens TokenParser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		userID, err := tokens.ParseToken(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // Allow any origin (dev mode)
		})
		if err != nil {
			hub.log.Warn("accept failed", zap.Error(err))
			return
		}

		client := NewClient(hub, conn, userID)
		select {
		case hub.register <- client:
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}

		go client.WritePump(ctx)
		go client.ReadPump(ctx)
	}
}

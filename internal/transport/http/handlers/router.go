package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/vedran77/pulse/internal/relay"
	"github.com/vedran77/pulse/internal/service"
	"github.com/vedran77/pulse/internal/store"
	"github.com/vedran77/pulse/internal/transport/http/middleware"
)

// RouterConfig carries everything the HTTP API is built from. Metrics,
// WebSocket and AuthLimiter are optional.
type RouterConfig struct {
	Store       *store.Store
	Relay       *relay.Relay
	Users       *service.UserService
	Chats       *service.ChatService
	Groups      *service.GroupService
	Moderation  *service.ModerationService
	Metrics     http.Handler
	WebSocket   http.Handler
	AuthLimiter *middleware.IPRateLimiter
	Logger      *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	authHandler := NewAuthHandler(cfg.Users, log)
	chatHandler := NewChatHandler(cfg.Chats, cfg.Groups, log)
	moderationHandler := NewModerationHandler(cfg.Moderation, log)
	signalHandler := NewSignalHandler(cfg.Relay, log)
	changeHandler := NewChangeHandler(cfg.Store, log)

	auth := middleware.Auth(cfg.Users)
	protected := func(h http.HandlerFunc) http.Handler { return auth(h) }
	limited := func(h http.HandlerFunc) http.Handler {
		if cfg.AuthLimiter == nil {
			return h
		}
		return cfg.AuthLimiter.Handler(h)
	}

	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	})
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}
	if cfg.WebSocket != nil {
		mux.Handle("GET /ws", cfg.WebSocket)
	}
	mux.Handle("POST /api/v1/auth/register", limited(authHandler.Register))
	mux.Handle("POST /api/v1/auth/login", limited(authHandler.Login))

	// Protected - Users
	mux.Handle("GET /api/v1/users/{id}", protected(authHandler.Profile))
	mux.Handle("PATCH /api/v1/users/me", protected(authHandler.UpdateProfile))
	mux.Handle("PUT /api/v1/users/me/privacy", protected(authHandler.UpdatePrivacy))
	mux.Handle("POST /api/v1/users/{id}/block", protected(authHandler.Block))
	mux.Handle("DELETE /api/v1/users/{id}/block", protected(authHandler.Unblock))
	mux.Handle("DELETE /api/v1/users/{id}", protected(authHandler.Delete))

	// Protected - Chats
	mux.Handle("GET /api/v1/chats", protected(chatHandler.List))
	mux.Handle("POST /api/v1/chats/direct", protected(chatHandler.OpenDirect))
	mux.Handle("POST /api/v1/chats/groups", protected(chatHandler.CreateGroup))
	mux.Handle("PATCH /api/v1/chats/{id}", protected(chatHandler.UpdateFlags))
	mux.Handle("GET /api/v1/chats/{id}/messages", protected(chatHandler.ListMessages))
	mux.Handle("POST /api/v1/chats/{id}/messages", protected(chatHandler.SendMessage))
	mux.Handle("POST /api/v1/chats/{id}/read", protected(chatHandler.MarkRead))
	mux.Handle("GET /api/v1/chats/{id}/typing", protected(chatHandler.Typing))
	mux.Handle("POST /api/v1/chats/{id}/members", protected(chatHandler.AddMember))
	mux.Handle("DELETE /api/v1/chats/{id}/members/{uid}", protected(chatHandler.RemoveMember))
	mux.Handle("PUT /api/v1/chats/{id}/members/{uid}/role", protected(chatHandler.SetRole))
	mux.Handle("POST /api/v1/chats/{id}/owner", protected(chatHandler.TransferOwnership))
	mux.Handle("POST /api/v1/chats/{id}/leave", protected(chatHandler.Leave))

	// Protected - Messages
	mux.Handle("PATCH /api/v1/messages/{id}", protected(chatHandler.EditMessage))
	mux.Handle("DELETE /api/v1/messages/{id}", protected(chatHandler.DeleteMessage))
	mux.Handle("POST /api/v1/messages/{id}/saved", protected(chatHandler.ToggleSaved))

	// Protected - Moderation
	mux.Handle("POST /api/v1/reports", protected(moderationHandler.FileReport))
	mux.Handle("GET /api/v1/admin/reports", protected(moderationHandler.ListReports))
	mux.Handle("POST /api/v1/admin/reports/{id}", protected(moderationHandler.ResolveReport))
	mux.Handle("POST /api/v1/admin/sanctions", protected(moderationHandler.IssueSanction))
	mux.Handle("DELETE /api/v1/admin/sanctions/{id}", protected(moderationHandler.LiftSanction))
	mux.Handle("DELETE /api/v1/admin/messages/{id}", protected(moderationHandler.DeleteMessage))

	// Protected - Calls and change feed
	mux.Handle("POST /api/v1/calls/signals", protected(signalHandler.Send))
	mux.Handle("GET /api/v1/calls/signals", protected(signalHandler.Pull))
	mux.Handle("GET /api/v1/changes", protected(changeHandler.Changes))

	return middleware.CORS(middleware.Logging(log)(mux))
}

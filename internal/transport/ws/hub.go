package ws

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/vedran77/pulse/internal/notify"
)

const changeBuffer = 64

// TypingSetter records typing state for a thread.
type TypingSetter interface {
	SetTyping(ctx context.Context, userID, threadID string, typing bool) error
}

// Hub manages all active WebSocket clients and routes messages.
type Hub struct {
	broker *notify.Broker
	typing TypingSetter
	log    *zap.Logger

	// clients maps userID → that user's connections.
	clients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMsg
}

type broadcastMsg struct {
	userID string // empty means everyone
	data   []byte
}

func NewHub(broker *notify.Broker, typing TypingSetter, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		broker:     broker,
		typing:     typing,
		log:        log,
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMsg, 256),
	}
}

// Run starts the Hub's main event loop and returns when ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.broker.Subscribe(changeBuffer)
	defer func() { sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.clients {
				for client := range conns {
					h.drop(client)
				}
			}
			return ctx.Err()

		case client := <-h.register:
			conns, ok := h.clients[client.userID]
			if !ok {
				conns = make(map[*Client]struct{})
				h.clients[client.userID] = conns
			}
			conns[client] = struct{}{}
			h.log.Debug("client connected", zap.String("user_id", client.userID), zap.Int("users", len(h.clients)))
			if len(conns) == 1 {
				h.broadcastPresence(client.userID, "online")
			}

		case client := <-h.unregister:
			if h.drop(client) {
				h.log.Debug("client disconnected", zap.String("user_id", client.userID), zap.Int("users", len(h.clients)))
			}

		case change, ok := <-sub.C():
			if !ok {
				// Dropped for falling behind: resubscribe and tell clients to refetch.
				sub = h.broker.Subscribe(changeBuffer)
				change = notify.Change{Marker: h.broker.Marker()}
			}
			h.fanOut("", h.encode(EventTypeStateChanged, StateChangedPayload{Marker: change.Marker}))

		case msg := <-h.broadcast:
			h.fanOut(msg.userID, msg.data)
		}
	}
}

// drop removes a client and closes its queues. It reports whether the client
// was still registered.
func (h *Hub) drop(client *Client) bool {
	conns, ok := h.clients[client.userID]
	if !ok {
		return false
	}
	if _, ok := conns[client]; !ok {
		return false
	}
	delete(conns, client)
	close(client.send)
	close(client.done)
	if len(conns) == 0 {
		delete(h.clients, client.userID)
		h.broadcastPresence(client.userID, "offline")
	}
	return true
}

func (h *Hub) fanOut(userID string, data []byte) {
	if data == nil {
		return
	}
	for uid, conns := range h.clients {
		if userID != "" && uid != userID {
			continue
		}
		for client := range conns {
			select {
			case client.send <- data:
			default:
				// Client buffer full - disconnect
				h.drop(client)
			}
		}
	}
}

func (h *Hub) encode(eventType string, payload any) []byte {
	evt, err := NewEvent(eventType, payload)
	if err != nil {
		h.log.Error("encoding event", zap.String("type", eventType), zap.Error(err))
		return nil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("encoding event", zap.String("type", eventType), zap.Error(err))
		return nil
	}
	return data
}

// SendToUser queues an event for every connection of userID.
func (h *Hub) SendToUser(userID, eventType string, payload any) {
	data := h.encode(eventType, payload)
	if data == nil {
		return
	}
	select {
	case h.broadcast <- &broadcastMsg{userID: userID, data: data}:
	default:
		h.log.Warn("broadcast queue full, event dropped", zap.String("type", eventType))
	}
}

// broadcastPresence sends online/offline to all other connected clients.
func (h *Hub) broadcastPresence(userID, status string) {
	data := h.encode(EventTypePresence, PresencePayload{UserID: userID, Status: status})
	if data == nil {
		return
	}
	for uid, conns := range h.clients {
		if uid == userID {
			continue
		}
		for client := range conns {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}

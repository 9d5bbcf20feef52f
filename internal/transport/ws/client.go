package ws

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4096
	sendBufSize    = 256
)

// Client represents a single WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	log    *zap.Logger

	send chan []byte
	done chan struct{}
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	conn.SetReadLimit(maxMessageSize)
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		log:    hub.log.With(zap.String("user_id", userID)),
		send:   make(chan []byte, sendBufSize),
		done:   make(chan struct{}),
	}
}

// ReadPump reads messages from the WebSocket until the connection ends.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var event Event
		err := wsjson.Read(ctx, c.conn, &event)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.log.Debug("client closed connection")
			} else {
				c.log.Debug("read error", zap.Error(err))
			}
			return
		}

		c.handleEvent(ctx, &event)
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(wctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.log.Debug("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.log.Debug("ping error", zap.Error(err))
				return
			}

		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleEvent routes an incoming client event.
func (c *Client) handleEvent(ctx context.Context, event *Event) {
	switch event.Type {
	case EventTypeTypingStart, EventTypeTypingStop:
		if event.ThreadID == "" {
			c.sendError("INVALID_PAYLOAD", "thread_id required for typing events")
			return
		}
		if c.hub.typing == nil {
			return
		}
		if err := c.hub.typing.SetTyping(ctx, c.userID, event.ThreadID, event.Type == EventTypeTypingStart); err != nil {
			c.sendError("TYPING_FAILED", err.Error())
		}

	case EventTypePing:
		c.sendPong()

	default:
		c.sendError("UNKNOWN_EVENT", "unknown event type: "+event.Type)
	}
}

func (c *Client) sendPong() {
	data, _ := json.Marshal(Event{Type: EventTypePong, Timestamp: time.Now().UnixMilli()})
	c.queue(data)
}

func (c *Client) sendError(code, message string) {
	data := c.hub.encode(EventTypeError, ErrorPayload{Code: code, Message: message})
	if data != nil {
		c.queue(data)
	}
}

// queue sends without blocking. The hub may already have closed send.
func (c *Client) queue(data []byte) {
	defer func() { _ = recover() }()
	select {
	case c.send <- data:
	case <-c.done:
	default:
	}
}

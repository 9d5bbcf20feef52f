package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/vedran77/pulse/internal/notify"
)

type stubTokens map[string]string

func (s stubTokens) ParseToken(token string) (string, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return "", errors.New("bad token")
}

type typingCall struct {
	userID, threadID string
	typing           bool
}

type stubTyping struct {
	mu    sync.Mutex
	calls []typingCall
}

func (s *stubTyping) SetTyping(_ context.Context, userID, threadID string, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, typingCall{userID, threadID, typing})
	return nil
}

func (s *stubTyping) snapshot() []typingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]typingCall(nil), s.calls...)
}

type harness struct {
	broker *notify.Broker
	hub    *Hub
	typing *stubTyping
	url    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	broker := notify.NewBroker("test", nil)
	typing := &stubTyping{}
	hub := NewHub(broker, typing, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	srv := httptest.NewServer(ServeWS(ctx, hub, stubTokens{"ta": "a", "tb": "b"}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})
	return &harness{
		broker: broker,
		hub:    hub,
		typing: typing,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// connect dials as the token's user and waits until the hub has registered
// the connection.
func (h *harness) connect(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	require.NoError(t, wsjson.Write(ctx, conn, Event{Type: EventTypePing}))
	next(t, conn, EventTypePong)
	return conn
}

// next reads until an event of the wanted type arrives.
func next(t *testing.T, conn *websocket.Conn, want string) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var evt Event
		require.NoError(t, wsjson.Read(ctx, conn, &evt))
		if evt.Type == want {
			return evt
		}
	}
}

func TestServeWS_RejectsBadToken(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, h.url+"?token=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestHub_PushesStateChangesToEveryone(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "ta")
	b := h.connect(t, "tb")

	h.broker.Publish(notify.Change{Marker: 42})

	for _, conn := range []*websocket.Conn{a, b} {
		evt := next(t, conn, EventTypeStateChanged)
		var p StateChangedPayload
		require.NoError(t, json.Unmarshal(evt.Payload, &p))
		assert.Equal(t, int64(42), p.Marker)
	}
}

func TestHubNotifier_TargetsRecipientOnly(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "ta")
	b := h.connect(t, "tb")

	NewHubNotifier(h.hub).NotifySignalPending("b")
	next(t, b, EventTypeSignalPending)

	// a sees the following state change but never the signal nudge.
	h.broker.Publish(notify.Change{Marker: 7})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var evt Event
		require.NoError(t, wsjson.Read(ctx, a, &evt))
		require.NotEqual(t, EventTypeSignalPending, evt.Type)
		if evt.Type == EventTypeStateChanged {
			break
		}
	}
}

func TestClient_TypingAndUnknownEvents(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "ta")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, a, Event{Type: EventTypeTypingStart}))
	evt := next(t, a, EventTypeError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &p))
	assert.Equal(t, "INVALID_PAYLOAD", p.Code)

	require.NoError(t, wsjson.Write(ctx, a, Event{Type: EventTypeTypingStart, ThreadID: "c1"}))
	require.NoError(t, wsjson.Write(ctx, a, Event{Type: "shout"}))
	evt = next(t, a, EventTypeError)
	require.NoError(t, json.Unmarshal(evt.Payload, &p))
	assert.Equal(t, "UNKNOWN_EVENT", p.Code)

	// Events are handled in order, so the typing call has happened by now.
	assert.Equal(t, []typingCall{{"a", "c1", true}}, h.typing.snapshot())
}

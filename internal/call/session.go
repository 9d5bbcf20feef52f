// Package call runs the per-endpoint call state machine on top of the
// signal relay. Nothing here is persisted.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/vedran77/pulse/internal/domain"
)

type State string

const (
	StateIdle       State = "idle"
	StateOutgoing   State = "outgoing"
	StateIncoming   State = "incoming"
	StateConnecting State = "connecting"
	StateActive     State = "active"
)

const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"
	ReasonHangup   = "hangup"
	ReasonFailed   = "failed"
)

var (
	ErrBusy       = errors.New("a call is already in progress")
	ErrNoCall     = errors.New("no call in progress")
	ErrWrongState = errors.New("operation not allowed in the current call state")
)

// Transport delivers a signal to the peer.
type Transport interface {
	Send(ctx context.Context, chatID, toUserID, signalType string, payload json.RawMessage) error
}

// Media is one peer connection. A new one is created for every call and
// closed exactly once when the call ends.
type Media interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	CreateAnswer(ctx context.Context) (json.RawMessage, error)
	SetRemoteDescription(ctx context.Context, sdp json.RawMessage) error
	AddICECandidate(ctx context.Context, candidate json.RawMessage) error
	Close() error
}

// Events are optional callbacks. They run outside the session lock.
type Events struct {
	StateChanged func(from, to State)
	Incoming     func(chatID, peerID string)
	Busy         func(peerID string)
	CallFailed   func(err error)
	Ended        func(reason string)
}

type Config struct {
	UserID    string
	Transport Transport
	NewMedia  func() (Media, error)
	Events    Events
	Logger    *zap.Logger
}

type Session struct {
	self      string
	transport Transport
	newMedia  func() (Media, error)
	events    Events
	log       *zap.Logger

	mu    sync.Mutex
	state State
	call  *activeCall
}

type activeCall struct {
	chatID string
	peerID string
	media  Media
	offer  json.RawMessage

	remoteSet  bool
	pendingICE []json.RawMessage
	cleaned    bool
}

func NewSession(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Session{
		self:      cfg.UserID,
		transport: cfg.Transport,
		newMedia:  cfg.NewMedia,
		events:    cfg.Events,
		log:       cfg.Logger.With(zap.String("user_id", cfg.UserID)),
		state:     StateIdle,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the other party of the current call, or "".
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return ""
	}
	return s.call.peerID
}

// events collected under the lock and fired after it is released
type after []func()

func (a *after) add(f func()) { *a = append(*a, f) }

func (a after) run() {
	for _, f := range a {
		f()
	}
}

func (s *Session) setState(to State, ev *after) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	if cb := s.events.StateChanged; cb != nil {
		ev.add(func() { cb(from, to) })
	}
}

// Start places a call: idle -> outgoing. A failed offer delivery returns the
// session to idle and reports CallFailed.
func (s *Session) Start(ctx context.Context, chatID, peerID string) error {
	var ev after
	defer func() { ev.run() }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return ErrBusy
	}
	media, err := s.openMedia()
	if err != nil {
		s.failed(err, &ev)
		return err
	}
	c := &activeCall{chatID: chatID, peerID: peerID, media: media}
	s.call = c
	s.setState(StateOutgoing, &ev)

	offer, err := media.CreateOffer(ctx)
	if err == nil {
		err = s.transport.Send(ctx, chatID, peerID, domain.SignalOffer, offer)
	}
	if err != nil {
		s.cleanup(c, "", &ev)
		s.failed(err, &ev)
		return err
	}
	return nil
}

// Accept answers the pending incoming call: incoming -> connecting.
func (s *Session) Accept(ctx context.Context) error {
	var ev after
	defer func() { ev.run() }()
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.call
	if c == nil || s.state != StateIncoming {
		return ErrWrongState
	}
	media, err := s.openMedia()
	if err != nil {
		s.cleanup(c, "", &ev)
		s.failed(err, &ev)
		return err
	}
	c.media = media

	err = s.applyRemote(ctx, c, c.offer)
	var answer json.RawMessage
	if err == nil {
		answer, err = media.CreateAnswer(ctx)
	}
	if err == nil {
		err = s.transport.Send(ctx, c.chatID, c.peerID, domain.SignalAnswer, answer)
	}
	if err != nil {
		s.cleanup(c, "", &ev)
		s.failed(err, &ev)
		return err
	}
	s.setState(StateConnecting, &ev)
	return nil
}

// Decline rejects the pending incoming call.
func (s *Session) Decline(ctx context.Context) error {
	var ev after
	defer func() { ev.run() }()
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.call
	if c == nil || s.state != StateIncoming {
		return ErrWrongState
	}
	err := s.transport.Send(ctx, c.chatID, c.peerID, domain.SignalReject, reasonPayload(ReasonDeclined))
	s.cleanup(c, ReasonDeclined, &ev)
	return err
}

// Hangup ends the current call. Local resources are released even if the
// hangup signal cannot be delivered.
func (s *Session) Hangup(ctx context.Context) error {
	var ev after
	defer func() { ev.run() }()
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.call
	if c == nil {
		return ErrNoCall
	}
	err := s.transport.Send(ctx, c.chatID, c.peerID, domain.SignalHangup, nil)
	s.cleanup(c, ReasonHangup, &ev)
	return err
}

// Connected reports that media is flowing: connecting -> active.
func (s *Session) Connected() {
	var ev after
	defer func() { ev.run() }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateConnecting {
		s.setState(StateActive, &ev)
	}
}

// MediaFailed tears the call down after a connection failure.
func (s *Session) MediaFailed(ctx context.Context, cause error) {
	var ev after
	defer func() { ev.run() }()
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.call
	if c == nil {
		return
	}
	if err := s.transport.Send(ctx, c.chatID, c.peerID, domain.SignalHangup, nil); err != nil {
		s.log.Debug("hangup after media failure not delivered", zap.Error(err))
	}
	s.cleanup(c, "", &ev)
	s.failed(cause, &ev)
}

// Handle applies one signal pulled from the relay.
func (s *Session) Handle(ctx context.Context, sig domain.CallSignal) {
	var ev after
	defer func() { ev.run() }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if sig.ToUserID != "" && sig.ToUserID != s.self {
		return
	}
	switch sig.Type {
	case domain.SignalOffer:
		s.handleOffer(ctx, sig, &ev)
	case domain.SignalAnswer:
		s.handleAnswer(ctx, sig, &ev)
	case domain.SignalICE:
		s.handleICE(ctx, sig, &ev)
	case domain.SignalHangup:
		if s.fromPeer(sig) {
			s.cleanup(s.call, ReasonHangup, &ev)
		}
	case domain.SignalReject:
		if s.fromPeer(sig) {
			reason := payloadReason(sig.Payload)
			if reason == ReasonBusy {
				if cb := s.events.Busy; cb != nil {
					peer := sig.FromUserID
					ev.add(func() { cb(peer) })
				}
			}
			s.cleanup(s.call, reason, &ev)
		}
	}
}

func (s *Session) handleOffer(ctx context.Context, sig domain.CallSignal, ev *after) {
	if s.call != nil {
		if s.call.peerID == sig.FromUserID && s.call.chatID == sig.ChatID {
			// Duplicate offer for the call we already know about.
			if s.state == StateIncoming {
				s.call.offer = sig.Payload
			}
			return
		}
		if err := s.transport.Send(ctx, sig.ChatID, sig.FromUserID, domain.SignalReject, reasonPayload(ReasonBusy)); err != nil {
			s.log.Warn("busy reject not delivered", zap.String("peer_id", sig.FromUserID), zap.Error(err))
		}
		return
	}

	s.call = &activeCall{chatID: sig.ChatID, peerID: sig.FromUserID, offer: sig.Payload}
	s.setState(StateIncoming, ev)
	if cb := s.events.Incoming; cb != nil {
		chat, peer := sig.ChatID, sig.FromUserID
		ev.add(func() { cb(chat, peer) })
	}
}

func (s *Session) handleAnswer(ctx context.Context, sig domain.CallSignal, ev *after) {
	if s.state != StateOutgoing || !s.fromPeer(sig) {
		s.log.Debug("stale answer ignored", zap.String("from", sig.FromUserID), zap.String("signal_id", sig.ID))
		return
	}
	c := s.call
	if err := s.applyRemote(ctx, c, sig.Payload); err != nil {
		s.cleanup(c, "", ev)
		s.failed(err, ev)
		return
	}
	s.setState(StateConnecting, ev)
}

func (s *Session) handleICE(ctx context.Context, sig domain.CallSignal, ev *after) {
	if !s.fromPeer(sig) {
		return
	}
	c := s.call
	if !c.remoteSet {
		c.pendingICE = append(c.pendingICE, sig.Payload)
		return
	}
	if err := c.media.AddICECandidate(ctx, sig.Payload); err != nil {
		s.log.Warn("ice candidate rejected", zap.Error(err))
	}
}

func (s *Session) fromPeer(sig domain.CallSignal) bool {
	return s.call != nil && s.call.peerID == sig.FromUserID && s.call.chatID == sig.ChatID
}

// applyRemote sets the remote description and flushes buffered candidates.
func (s *Session) applyRemote(ctx context.Context, c *activeCall, sdp json.RawMessage) error {
	if err := c.media.SetRemoteDescription(ctx, sdp); err != nil {
		return err
	}
	c.remoteSet = true
	pending := c.pendingICE
	c.pendingICE = nil
	for _, cand := range pending {
		if err := c.media.AddICECandidate(ctx, cand); err != nil {
			s.log.Warn("buffered ice candidate rejected", zap.Error(err))
		}
	}
	return nil
}

func (s *Session) openMedia() (Media, error) {
	if s.newMedia == nil {
		return nil, errors.New("call: no media available")
	}
	return s.newMedia()
}

// cleanup releases the call's resources once; later calls for the same call
// are no-ops. An empty reason suppresses Ended (a failure is reported instead).
func (s *Session) cleanup(c *activeCall, reason string, ev *after) {
	if c == nil || c.cleaned {
		return
	}
	c.cleaned = true
	if c.media != nil {
		if err := c.media.Close(); err != nil {
			s.log.Debug("media close failed", zap.Error(err))
		}
	}
	if s.call == c {
		s.call = nil
		s.setState(StateIdle, ev)
	}
	if cb := s.events.Ended; cb != nil && reason != "" {
		ev.add(func() { cb(reason) })
	}
}

func (s *Session) failed(err error, ev *after) {
	if cb := s.events.CallFailed; cb != nil {
		ev.add(func() { cb(err) })
	}
}

func reasonPayload(reason string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"reason": reason})
	return data
}

func payloadReason(p json.RawMessage) string {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(p, &body); err != nil || body.Reason == "" {
		return "rejected"
	}
	return body.Reason
}

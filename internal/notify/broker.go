// Package notify publishes "something changed" events after each commit.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Change is published after every successful commit.
type Change struct {
	Marker int64  `json:"marker"`
	Origin string `json:"origin,omitempty"`
}

const defaultBuffer = 16

// Broker fans changes out to in-process subscribers. Publish never blocks:
// a subscriber whose buffer is full is dropped and its channel closed.
type Broker struct {
	origin string
	log    *zap.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	marker int64
	hooks  []func(Change)
	onDrop func()
}

func NewBroker(origin string, log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		origin: origin,
		log:    log,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Origin identifies this process in published changes.
func (b *Broker) Origin() string { return b.origin }

// OnDrop registers a callback run whenever a slow subscriber is dropped.
func (b *Broker) OnDrop(fn func()) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// OnPublish registers a hook that sees every change this broker publishes
// with its own origin. Hooks run synchronously and must not block.
func (b *Broker) OnPublish(fn func(Change)) {
	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}

type Subscription struct {
	broker *Broker
	ch     chan Change
	once   sync.Once
}

// C delivers changes. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Change { return s.ch }

func (s *Subscription) Close() {
	s.broker.remove(s)
}

func (b *Broker) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &Subscription{broker: b, ch: make(chan Change, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(s)
}

func (b *Broker) removeLocked(s *Subscription) {
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	s.once.Do(func() { close(s.ch) })
}

// Publish records the marker and notifies subscribers. Markers lower than
// one already seen are raised so the broker's marker never decreases.
func (b *Broker) Publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.Marker <= b.marker {
		c.Marker = b.marker
	} else {
		b.marker = c.Marker
	}
	if c.Origin == "" {
		c.Origin = b.origin
	}

	for s := range b.subs {
		select {
		case s.ch <- c:
		default:
			b.log.Debug("dropping slow change subscriber")
			b.removeLocked(s)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
	if c.Origin == b.origin {
		for _, hook := range b.hooks {
			hook(c)
		}
	}
}

// Marker is the highest marker published so far.
func (b *Broker) Marker() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.marker
}

// Subscribers reports the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		b.removeLocked(s)
	}
}

package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the Redis pub/sub channel used for change fan-out.
const DefaultChannel = "pulse:state:changed"

// RedisBridge relays changes between processes sharing one database. Local
// commits are published to Redis; changes from other origins are
// republished into the local broker.
type RedisBridge struct {
	client  *redis.Client
	broker  *Broker
	channel string
	log     *zap.Logger
	out     chan Change
}

func NewRedisBridge(client *redis.Client, broker *Broker, channel string, log *zap.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	rb := &RedisBridge{
		client:  client,
		broker:  broker,
		channel: channel,
		log:     log,
		out:     make(chan Change, 64),
	}
	broker.OnPublish(rb.enqueue)
	return rb
}

// enqueue never blocks the committing mutation; overflow is dropped because
// pollers still see the marker.
func (rb *RedisBridge) enqueue(c Change) {
	select {
	case rb.out <- c:
	default:
		rb.log.Debug("redis change queue full, dropping")
	}
}

// Run publishes and consumes until ctx is done.
func (rb *RedisBridge) Run(ctx context.Context) error {
	sub := rb.client.Subscribe(ctx, rb.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	in := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-rb.out:
			data, err := json.Marshal(c)
			if err != nil {
				continue
			}
			if err := rb.client.Publish(ctx, rb.channel, data).Err(); err != nil {
				rb.log.Warn("publishing change to redis", zap.Error(err))
			}

		case msg, ok := <-in:
			if !ok {
				return nil
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				rb.log.Debug("ignoring malformed change message", zap.Error(err))
				continue
			}
			if c.Origin == rb.broker.Origin() {
				continue
			}
			rb.broker.Publish(c)
		}
	}
}

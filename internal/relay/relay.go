// Package relay is the TTL-bounded mailbox for call signalling.
//
// Signals live in the aggregate next to chat data and every operation is a
// single store mutation, so a pull prunes, partitions and persists in one
// step and a delivered signal can never be delivered again.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/metrics"
	"github.com/vedran77/pulse/internal/store"
)

const maxPayloadBytes = 64 << 10

// Notifier is told when a user has signals waiting.
type Notifier interface {
	NotifySignalPending(userID string)
}

type Options struct {
	TTL        time.Duration
	RatePerSec float64
	Burst      int
	Now        func() time.Time
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

type Relay struct {
	store    *store.Store
	ttl      time.Duration
	now      func() time.Time
	limiter  *senderLimiter
	metrics  *metrics.Metrics
	log      *zap.Logger
	notifier Notifier
}

func New(s *store.Store, opts Options) *Relay {
	if opts.TTL <= 0 {
		opts.TTL = domain.DefaultSignalTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Relay{
		store:   s,
		ttl:     opts.TTL,
		now:     opts.Now,
		limiter: newSenderLimiter(opts.RatePerSec, opts.Burst),
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
}

// SetNotifier sets the push notifier (optional dependency).
func (r *Relay) SetNotifier(n Notifier) {
	r.notifier = n
}

func (r *Relay) TTL() time.Duration { return r.ttl }

type SendInput struct {
	ChatID     string          `json:"chatId" validate:"required"`
	FromUserID string          `json:"-"`
	ToUserID   string          `json:"toUserId" validate:"required"`
	Type       string          `json:"type" validate:"required,oneof=offer answer ice hangup reject"`
	Payload    json.RawMessage `json:"payload"`
}

// Send appends a signal after pruning expired ones. Both parties must be
// members of the chat and the recipient must not have blocked the sender.
func (r *Relay) Send(ctx context.Context, in SendInput) (*domain.CallSignal, error) {
	payload, err := normalisePayload(in.Payload)
	if err != nil {
		return nil, err
	}
	if !domain.ValidSignalType(in.Type) || in.ChatID == "" || in.ToUserID == "" {
		return nil, domain.ErrInvalidSignal
	}
	if in.FromUserID == in.ToUserID {
		return nil, domain.ErrCannotSelf
	}
	if !r.limiter.allow(in.FromUserID, r.now()) {
		return nil, domain.ErrRateLimited
	}

	sig, err := store.Mutate(ctx, r.store, func(agg *domain.Aggregate) (domain.CallSignal, error) {
		now := r.now().UnixMilli()
		r.prune(agg, now)

		from := agg.User(in.FromUserID)
		to := agg.User(in.ToUserID)
		if from == nil || to == nil {
			return domain.CallSignal{}, domain.ErrUserNotFound
		}
		t := agg.Thread(in.ChatID)
		if t == nil {
			return domain.CallSignal{}, domain.ErrThreadNotFound
		}
		if !t.IsMember(from.ID) || !t.IsMember(to.ID) {
			return domain.CallSignal{}, domain.ErrNotMember
		}
		if to.HasBlocked(from.ID) {
			return domain.CallSignal{}, domain.ErrBlocked
		}

		sig := domain.CallSignal{
			ID:         uuid.NewString(),
			ChatID:     t.ID,
			FromUserID: from.ID,
			ToUserID:   to.ID,
			Type:       in.Type,
			Payload:    payload,
			CreatedAt:  nextCreatedAt(agg.CallSignals, now),
		}
		agg.CallSignals = append(agg.CallSignals, sig)
		return sig, nil
	})
	if err != nil {
		return nil, err
	}

	r.metrics.SignalSent()
	if r.notifier != nil {
		r.notifier.NotifySignalPending(sig.ToUserID)
	}
	return &sig, nil
}

// Pull removes and returns every live signal addressed to userID, oldest
// first.
func (r *Relay) Pull(ctx context.Context, userID string) ([]domain.CallSignal, error) {
	out, err := store.Mutate(ctx, r.store, func(agg *domain.Aggregate) ([]domain.CallSignal, error) {
		r.prune(agg, r.now().UnixMilli())

		var mine []domain.CallSignal
		rest := agg.CallSignals[:0]
		for _, s := range agg.CallSignals {
			if s.ToUserID == userID {
				mine = append(mine, s)
				continue
			}
			rest = append(rest, s)
		}
		agg.CallSignals = rest
		return mine, nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	r.metrics.SignalsDelivered(len(out))
	if out == nil {
		out = []domain.CallSignal{}
	}
	return out, nil
}

// Sweep prunes expired signals and idle rate-limit buckets. It returns the
// number of signals removed.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	r.limiter.forget(r.now().Add(-r.ttl))

	n, err := store.Mutate(ctx, r.store, func(agg *domain.Aggregate) (int, error) {
		return r.prune(agg, r.now().UnixMilli()), nil
	})
	if err != nil {
		return 0, err
	}
	r.metrics.SignalsExpired(n)
	if n > 0 {
		r.log.Debug("expired call signals pruned", zap.Int("count", n))
	}
	return n, nil
}

func (r *Relay) prune(agg *domain.Aggregate, nowMs int64) int {
	kept := agg.CallSignals[:0]
	for _, s := range agg.CallSignals {
		if !s.Expired(nowMs, r.ttl) {
			kept = append(kept, s)
		}
	}
	n := len(agg.CallSignals) - len(kept)
	agg.CallSignals = kept
	return n
}

// nextCreatedAt keeps creation times strictly increasing so that ordering by
// CreatedAt is ordering by creation.
func nextCreatedAt(existing []domain.CallSignal, nowMs int64) int64 {
	ts := nowMs
	for _, s := range existing {
		if s.CreatedAt >= ts {
			ts = s.CreatedAt + 1
		}
	}
	return ts
}

func normalisePayload(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("null"), nil
	}
	if len(trimmed) > maxPayloadBytes {
		return nil, domain.ErrInvalidSignal
	}
	// Same canonical form the loader produces, so a stored payload reads back
	// byte for byte.
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, domain.ErrInvalidSignal
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, domain.ErrInvalidSignal
	}
	return out, nil
}

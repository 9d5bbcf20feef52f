// Package store is the only way to read or change the aggregate.
//
// Every write goes through a single FIFO worker: Do and Mutate enqueue a
// function that runs alone against a freshly loaded, sanitised snapshot and
// whose result is committed atomically. Reads bypass the queue and may be
// slightly stale.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/metrics"
	"github.com/vedran77/pulse/internal/notify"
	"github.com/vedran77/pulse/internal/repository"
	"github.com/vedran77/pulse/internal/sanitize"
)

var ErrClosed = errors.New("store is closed")

const defaultConflictRetries = 3

type Options struct {
	// Notifier receives a change after every commit. If nil the store
	// creates its own broker.
	Notifier *notify.Broker
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	// BotUser is a reserved account that must always exist.
	BotUser *domain.User
	// ConflictRetries bounds automatic re-runs after repository.ErrConflictAbort.
	// Zero means the default; negative disables retries.
	ConflictRetries int
	Now             func() time.Time
}

type Store struct {
	backend repository.Backend
	broker  *notify.Broker
	log     *zap.Logger
	metrics *metrics.Metrics
	bot     *domain.User
	retries int
	now     func() time.Time

	mu     sync.Mutex
	queue  []*job
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

const (
	jobPending int32 = iota
	jobRunning
	jobAbandoned
)

type job struct {
	ctx    context.Context
	fn     func(*domain.Aggregate) error
	state  atomic.Int32
	result chan error
}

func New(backend repository.Backend, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewBroker("local", opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	switch {
	case opts.ConflictRetries == 0:
		opts.ConflictRetries = defaultConflictRetries
	case opts.ConflictRetries < 0:
		opts.ConflictRetries = 0
	}
	s := &Store{
		backend: backend,
		broker:  opts.Notifier,
		log:     opts.Logger,
		metrics: opts.Metrics,
		bot:     opts.BotUser,
		retries: opts.ConflictRetries,
		now:     opts.Now,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.worker()
	return s
}

// Mutate runs fn exclusively against the latest aggregate and commits the
// result. Errors returned by fn reach the caller unchanged and nothing is
// committed.
func Mutate[T any](ctx context.Context, s *Store, fn func(*domain.Aggregate) (T, error)) (T, error) {
	var out T
	err := s.Do(ctx, func(agg *domain.Aggregate) error {
		v, err := fn(agg)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Do is Mutate without a result. A caller whose ctx ends while still queued
// gets ctx.Err() and its fn never runs; once dequeued, fn always runs to
// completion.
func (s *Store) Do(ctx context.Context, fn func(*domain.Aggregate) error) error {
	j := &job{ctx: ctx, fn: fn, result: make(chan error, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, j)
	s.metrics.QueueDepth(len(s.queue))
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobPending, jobAbandoned) {
			return ctx.Err()
		}
		return <-j.result
	}
}

// Read returns a sanitised snapshot without waiting for queued writes.
func (s *Store) Read(ctx context.Context) (*domain.Aggregate, error) {
	raw, err := s.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	agg := sanitize.SanitizeJSON(raw)
	s.ensureReserved(agg)
	return agg, nil
}

// ChangeMarker returns a marker that grows whenever the aggregate changes.
func (s *Store) ChangeMarker(ctx context.Context) (int64, error) {
	m, err := s.backend.ChangeMarker(ctx)
	if err != nil {
		return 0, err
	}
	if local := s.broker.Marker(); local > m {
		m = local
	}
	return m, nil
}

// Subscribe streams a change per commit. Slow subscribers are dropped.
func (s *Store) Subscribe(buffer int) *notify.Subscription {
	return s.broker.Subscribe(buffer)
}

func (s *Store) Notifier() *notify.Broker { return s.broker }

// Close stops accepting work, finishes everything already queued and waits
// for the worker to exit.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
}

func (s *Store) worker() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		j := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.metrics.QueueDepth(len(s.queue))
		s.mu.Unlock()

		if !j.state.CompareAndSwap(jobPending, jobRunning) {
			continue
		}
		j.result <- s.run(j)
	}
}

func (s *Store) run(j *job) error {
	ctx := context.WithoutCancel(j.ctx)
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := s.execute(ctx, j.fn)
		s.metrics.ObserveMutation(outcome(err), time.Since(start))

		switch {
		case err == nil:
			return nil
		case errors.Is(err, repository.ErrConflictAbort) && attempt < s.retries:
			s.log.Warn("mutation conflicted, retrying from a fresh load", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		case errors.Is(err, repository.ErrRefusedDataLossCommit):
			s.log.Error("mutation refused: commit would wipe the store", zap.Error(err))
		case errors.Is(err, repository.ErrBackendUnavailable):
			s.log.Warn("mutation failed: backend unavailable", zap.Error(err))
		}
		return err
	}
}

func (s *Store) execute(ctx context.Context, fn func(*domain.Aggregate) error) error {
	sess, err := s.backend.Begin(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback(ctx)

	raw, err := sess.Load(ctx)
	if err != nil {
		return err
	}
	agg := sanitize.SanitizeJSON(raw)
	s.ensureReserved(agg)

	if err := call(fn, agg, s.log); err != nil {
		return err
	}
	if err := sess.Commit(ctx, agg); err != nil {
		return err
	}

	marker, err := s.backend.ChangeMarker(ctx)
	if err != nil {
		marker = s.now().UnixMilli()
	}
	s.broker.Publish(notify.Change{Marker: marker})
	return nil
}

// call runs fn, turning a panic into an error so the queue keeps moving.
func call(fn func(*domain.Aggregate) error, agg *domain.Aggregate, log *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("mutation panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("mutation panicked: %v", r)
		}
	}()
	return fn(agg)
}

// ensureReserved adds the reserved bot account if it is missing.
func (s *Store) ensureReserved(agg *domain.Aggregate) {
	if s.bot == nil || s.bot.ID == "" {
		return
	}
	if u := agg.User(s.bot.ID); u != nil {
		u.IsBot = true
		return
	}
	bot := *s.bot
	bot.IsBot = true
	bot.Username = strings.ToLower(bot.Username)
	if bot.Username == "" || agg.UserByUsername(bot.Username) != nil {
		bot.Username = strings.ToLower(bot.ID)
	}
	if bot.Name == "" {
		bot.Name = bot.Username
	}
	if bot.Privacy.LastSeen.Mode == "" {
		bot.Privacy = domain.Privacy{
			LastSeen: domain.Visibility{Mode: domain.VisibilityEveryone},
			Avatar:   domain.Visibility{Mode: domain.VisibilityEveryone},
			Bio:      domain.Visibility{Mode: domain.VisibilityEveryone},
			Birthday: domain.Visibility{Mode: domain.VisibilityEveryone},
		}
	}
	if bot.CreatedAt == 0 {
		bot.CreatedAt = s.now().UnixMilli()
		bot.UpdatedAt = bot.CreatedAt
	}
	agg.Users = append(agg.Users, bot)
}

func outcome(err error) string {
	var verr *domain.ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &verr):
		return "rejected"
	case errors.Is(err, repository.ErrConflictAbort):
		return "conflict"
	case errors.Is(err, repository.ErrRefusedDataLossCommit):
		return "refused"
	case errors.Is(err, repository.ErrBackendUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

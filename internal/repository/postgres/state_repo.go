package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/repository"
	"github.com/vedran77/pulse/internal/sanitize"
)

// stateRowID is the only row of app_state.
const stateRowID = 1

const schema = `
	CREATE TABLE IF NOT EXISTS app_state (
		id         SMALLINT PRIMARY KEY,
		data       JSONB NOT NULL,
		version    BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	INSERT INTO app_state (id, data) VALUES (1, '{}'::jsonb)
	ON CONFLICT (id) DO NOTHING;`

type StateRepoOptions struct {
	Logger *zap.Logger
	// BreakerMaxFailures consecutive unavailable errors open the breaker.
	BreakerMaxFailures uint32
	// BreakerOpenTimeout is how long the breaker stays open.
	BreakerOpenTimeout time.Duration
}

// StateRepo keeps the aggregate in one JSONB row. Write sessions hold a
// row lock (SELECT ... FOR UPDATE) from load to commit, so writers in
// different processes serialise through the database.
type StateRepo struct {
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger

	mu      sync.Mutex
	marker  int64
	version int64
}

func NewStateRepo(pool *pgxpool.Pool, opts StateRepoOptions) *StateRepo {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerOpenTimeout == 0 {
		opts.BreakerOpenTimeout = 10 * time.Second
	}
	log := opts.Logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres-state",
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerMaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &StateRepo{pool: pool, breaker: cb, log: log}
}

// EnsureSchema creates the state table and its single row.
func (r *StateRepo) EnsureSchema(ctx context.Context) error {
	return r.guard(func() error {
		_, err := r.pool.Exec(ctx, schema)
		return err
	})
}

func (r *StateRepo) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := r.guard(func() error {
		return r.pool.QueryRow(ctx, `SELECT data FROM app_state WHERE id = $1`, stateRowID).Scan(&data)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

func (r *StateRepo) Begin(ctx context.Context) (repository.Session, error) {
	var tx pgx.Tx
	err := r.guard(func() error {
		var err error
		tx, err = r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("beginning state transaction: %w", err)
	}
	return &stateSession{repo: r, tx: tx}, nil
}

// ChangeMarker is the commit time of the last write in Unix milliseconds,
// clamped so it never decreases within this process and moves on every new
// row version, even when two commits share a millisecond.
func (r *StateRepo) ChangeMarker(ctx context.Context) (int64, error) {
	var ms, version int64
	err := r.guard(func() error {
		return r.pool.QueryRow(ctx,
			`SELECT (extract(epoch FROM updated_at) * 1000)::bigint, version FROM app_state WHERE id = $1`,
			stateRowID,
		).Scan(&ms, &version)
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	return r.observe(ms, version), nil
}

func (r *StateRepo) observe(ms, version int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.marker
	if version != r.version {
		next++
		r.version = version
	}
	if ms > next {
		next = ms
	}
	r.marker = next
	return r.marker
}

func (r *StateRepo) Close() error {
	r.pool.Close()
	return nil
}

// guard runs fn through the circuit breaker. Only unavailability counts as
// a breaker failure; business and conflict errors pass through.
func (r *StateRepo) guard(fn func() error) error {
	var opErr error
	_, err := r.breaker.Execute(func() (interface{}, error) {
		opErr = classify(fn())
		if errors.Is(opErr, repository.ErrBackendUnavailable) {
			return nil, opErr
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", repository.ErrBackendUnavailable, err)
	}
	if err != nil {
		return err
	}
	return opErr
}

// classify maps driver errors onto the store's error kinds.
func classify(err error) error {
	if err == nil || errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return fmt.Errorf("%w: %w", repository.ErrConflictAbort, err)
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08",
			pgErr.Code == "53300", pgErr.Code == "57P01", pgErr.Code == "57P03":
			return fmt.Errorf("%w: %w", repository.ErrBackendUnavailable, err)
		}
		return err
	}
	// Anything else from the driver is transport level: dial, TLS, timeouts,
	// closed connections.
	return fmt.Errorf("%w: %w", repository.ErrBackendUnavailable, err)
}

type stateSession struct {
	repo    *StateRepo
	tx      pgx.Tx
	current []byte
	done    bool
}

// Load locks the state row until Commit or Rollback.
func (s *stateSession) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.repo.guard(func() error {
		return s.tx.QueryRow(ctx,
			`SELECT data FROM app_state WHERE id = $1 FOR UPDATE`, stateRowID,
		).Scan(&data)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.repo.guard(func() error {
			if _, err := s.tx.Exec(ctx,
				`INSERT INTO app_state (id, data) VALUES ($1, '{}'::jsonb) ON CONFLICT (id) DO NOTHING`,
				stateRowID,
			); err != nil {
				return err
			}
			return s.tx.QueryRow(ctx,
				`SELECT data FROM app_state WHERE id = $1 FOR UPDATE`, stateRowID,
			).Scan(&data)
		})
	}
	if err != nil {
		return nil, fmt.Errorf("locking state row: %w", err)
	}
	s.current = data
	return data, nil
}

func (s *stateSession) Commit(ctx context.Context, agg *domain.Aggregate) error {
	if s.done {
		return errors.New("postgres: session already finished")
	}
	if s.current == nil {
		return errors.New("postgres: commit without load")
	}
	if prev, ok := sanitize.Parse(s.current); !ok || domain.CatastrophicallyEmptier(agg, prev) {
		s.repo.log.Error("refusing commit that would empty the store",
			zap.Int("next_users", agg.HumanUserCount()),
			zap.Int("current_bytes", len(s.current)),
		)
		_ = s.Rollback(ctx)
		return repository.ErrRefusedDataLossCommit
	}

	data, err := json.Marshal(agg)
	if err != nil {
		_ = s.Rollback(ctx)
		return fmt.Errorf("encoding aggregate: %w", err)
	}

	var updatedMs, version int64
	err = s.repo.guard(func() error {
		return s.tx.QueryRow(ctx, `
			UPDATE app_state
			SET data = $1, version = version + 1, updated_at = clock_timestamp()
			WHERE id = $2
			RETURNING (extract(epoch FROM updated_at) * 1000)::bigint, version`,
			data, stateRowID,
		).Scan(&updatedMs, &version)
	})
	if err != nil {
		_ = s.Rollback(ctx)
		return fmt.Errorf("writing state row: %w", err)
	}

	err = s.repo.guard(func() error { return s.tx.Commit(ctx) })
	s.done = true
	if err != nil {
		return fmt.Errorf("committing state: %w", err)
	}
	s.repo.observe(updatedMs, version)
	return nil
}

func (s *stateSession) Rollback(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	err := s.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

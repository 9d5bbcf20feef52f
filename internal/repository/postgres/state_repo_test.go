package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/repository"
	"github.com/vedran77/pulse/internal/sanitize"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, repository.ErrConflictAbort},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, repository.ErrConflictAbort},
		{"lock not available", &pgconn.PgError{Code: "55P03"}, repository.ErrConflictAbort},
		{"connection failure", &pgconn.PgError{Code: "08006"}, repository.ErrBackendUnavailable},
		{"too many connections", &pgconn.PgError{Code: "53300"}, repository.ErrBackendUnavailable},
		{"transport", errors.New("dial tcp: connection refused"), repository.ErrBackendUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tc.err), tc.want)
		})
	}

	syntax := &pgconn.PgError{Code: "42601"}
	assert.Same(t, syntax, classify(syntax))
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(context.Canceled), context.Canceled)
}

func TestGuard_OpenBreakerIsUnavailable(t *testing.T) {
	r := NewStateRepo(nil, StateRepoOptions{BreakerMaxFailures: 2})
	fail := func() error { return errors.New("connection reset") }

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, r.guard(fail), repository.ErrBackendUnavailable)
	}

	called := false
	err := r.guard(func() error { called = true; return nil })
	assert.ErrorIs(t, err, repository.ErrBackendUnavailable)
	assert.False(t, called, "open breaker must not reach the database")
}

func TestGuard_BusinessErrorsDoNotTrip(t *testing.T) {
	r := NewStateRepo(nil, StateRepoOptions{BreakerMaxFailures: 1})
	conflict := &pgconn.PgError{Code: "40001"}

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, r.guard(func() error { return conflict }), repository.ErrConflictAbort)
	}
	assert.NoError(t, r.guard(func() error { return nil }))
}

func TestObserve_MovesOnEveryVersion(t *testing.T) {
	r := NewStateRepo(nil, StateRepoOptions{})

	assert.Equal(t, int64(100), r.observe(100, 0))
	assert.Equal(t, int64(101), r.observe(100, 1), "same millisecond, new version")
	assert.Equal(t, int64(101), r.observe(100, 1), "unchanged row")
	assert.Equal(t, int64(102), r.observe(50, 2), "clock went backwards")
	assert.Equal(t, int64(200), r.observe(200, 3))
}

// Tests below need a disposable database.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("PULSE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PULSE_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	_, err = pool.Exec(context.Background(), `DROP TABLE IF EXISTS app_state`)
	require.NoError(t, err)
	return pool
}

func commitVia(ctx context.Context, r *StateRepo, fn func(*domain.Aggregate)) error {
	s, err := r.Begin(ctx)
	if err != nil {
		return err
	}
	defer s.Rollback(ctx)
	data, err := s.Load(ctx)
	if err != nil {
		return err
	}
	agg := sanitize.SanitizeJSON(data)
	fn(agg)
	return s.Commit(ctx, agg)
}

func TestStateRepo_RoundTrip(t *testing.T) {
	pool := testPool(t)
	r := NewStateRepo(pool, StateRepoOptions{})
	defer r.Close()
	ctx := context.Background()
	require.NoError(t, r.EnsureSchema(ctx))

	m0, err := r.ChangeMarker(ctx)
	require.NoError(t, err)

	err = commitVia(ctx, r, func(a *domain.Aggregate) {
		a.Users = append(a.Users, domain.User{ID: "u1", Username: "alice"})
	})
	require.NoError(t, err)

	data, err := r.Load(ctx)
	require.NoError(t, err)
	agg := sanitize.SanitizeJSON(data)
	require.Len(t, agg.Users, 1)
	assert.Equal(t, "alice", agg.Users[0].Username)

	m1, err := r.ChangeMarker(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m1, m0)
}

func TestStateRepo_MarkerMovesOnBackToBackCommits(t *testing.T) {
	pool := testPool(t)
	r := NewStateRepo(pool, StateRepoOptions{})
	defer r.Close()
	ctx := context.Background()
	require.NoError(t, r.EnsureSchema(ctx))

	last, err := r.ChangeMarker(ctx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		err := commitVia(ctx, r, func(a *domain.Aggregate) {
			if a.Counters == nil {
				a.Counters = map[string]int64{}
			}
			a.Counters["hits"]++
		})
		require.NoError(t, err)

		m, err := r.ChangeMarker(ctx)
		require.NoError(t, err)
		assert.Greater(t, m, last)
		last = m
	}
}

func TestStateRepo_RowLockSerialisesProcesses(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	require.NoError(t, NewStateRepo(pool, StateRepoOptions{}).EnsureSchema(ctx))

	// Two repos stand in for two server processes.
	a := NewStateRepo(pool, StateRepoOptions{})
	b := NewStateRepo(pool, StateRepoOptions{})
	defer pool.Close()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		r := a
		if i%2 == 1 {
			r = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := commitVia(ctx, r, func(agg *domain.Aggregate) {
				if agg.Counters == nil {
					agg.Counters = map[string]int64{}
				}
				agg.Counters["hits"]++
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	data, err := a.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(n), sanitize.SanitizeJSON(data).Counters["hits"])
}

func TestStateRepo_RefusesDataLoss(t *testing.T) {
	pool := testPool(t)
	r := NewStateRepo(pool, StateRepoOptions{})
	defer r.Close()
	ctx := context.Background()
	require.NoError(t, r.EnsureSchema(ctx))

	require.NoError(t, commitVia(ctx, r, func(a *domain.Aggregate) {
		a.Users = append(a.Users, domain.User{ID: "u1", Username: "alice"})
	}))

	err := commitVia(ctx, r, func(a *domain.Aggregate) {
		a.Users = nil
	})
	require.ErrorIs(t, err, repository.ErrRefusedDataLossCommit)

	data, err := r.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, sanitize.SanitizeJSON(data).Users, 1)
}

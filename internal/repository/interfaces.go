package repository

import (
	"context"
	"errors"

	"github.com/vedran77/pulse/internal/domain"
)

var (
	// ErrBackendUnavailable means the underlying resource could not be reached.
	// Callers may retry.
	ErrBackendUnavailable = errors.New("store backend unavailable")
	// ErrConflictAbort means a concurrent writer won; re-run the mutation from a fresh load.
	ErrConflictAbort = errors.New("store commit aborted by concurrent writer")
	// ErrRefusedDataLossCommit means the commit would have wiped the stored aggregate.
	ErrRefusedDataLossCommit = errors.New("refused commit that would empty the store")
)

// Backend persists the single aggregate document.
type Backend interface {
	// Load returns the latest persisted document as raw JSON. It is not
	// sanitised; nil means nothing has been stored yet.
	Load(ctx context.Context) ([]byte, error)
	// Begin opens an exclusive write session. The caller must end it with
	// Commit or Rollback.
	Begin(ctx context.Context) (Session, error)
	// ChangeMarker returns a monotonic marker of the last successful commit.
	ChangeMarker(ctx context.Context) (int64, error)
	Close() error
}

// Session is one read-modify-write cycle against a Backend.
type Session interface {
	Load(ctx context.Context) ([]byte, error)
	Commit(ctx context.Context, agg *domain.Aggregate) error
	// Rollback releases the session. It is a no-op after Commit.
	Rollback(ctx context.Context) error
}

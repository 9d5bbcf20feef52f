// Package jsonfile stores the aggregate as one JSON document on local disk.
//
// Writes go to <path>.tmp and are renamed over <path> after the previous
// primary has been copied to <path>.backup, so a reader never sees a half
// written file. It is safe for a single process only.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/repository"
	"github.com/vedran77/pulse/internal/sanitize"
)

const (
	backupSuffix = ".backup"
	tmpSuffix    = ".tmp"
)

type Config struct {
	Path string
	// ReadRetryDelay is how long to wait before re-reading a primary file
	// that failed to parse.
	ReadRetryDelay time.Duration
	Logger         *zap.Logger
}

type Backend struct {
	path       string
	backupPath string
	tmpPath    string
	retryDelay time.Duration
	log        *zap.Logger

	// writeMu is held for the lifetime of a Session.
	writeMu sync.Mutex

	mu sync.Mutex
	// lastGood is the last document that parsed; it is replaced, never mutated.
	lastGood  []byte
	marker    int64
	ownMtime  time.Time
	closeOnce sync.Once
}

func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, errors.New("jsonfile: path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	b := &Backend{
		path:       cfg.Path,
		backupPath: cfg.Path + backupSuffix,
		tmpPath:    cfg.Path + tmpSuffix,
		retryDelay: cfg.ReadRetryDelay,
		log:        cfg.Logger,
	}
	if info, err := os.Stat(b.path); err == nil {
		b.marker = info.ModTime().UnixMilli()
	}
	return b, nil
}

func (b *Backend) Path() string { return b.path }

// Load reads the primary file. A primary that fails to parse is re-read once
// after ReadRetryDelay, then the backup is tried, then the last document this
// process read successfully.
func (b *Backend) Load(ctx context.Context) ([]byte, error) {
	data, err := b.readValid(b.path)
	if err == nil {
		b.remember(data)
		return data, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		backup, berr := b.readValid(b.backupPath)
		if berr == nil {
			b.log.Warn("primary store file missing, loaded backup", zap.String("path", b.path))
			b.remember(backup)
			return backup, nil
		}
		if errors.Is(berr, os.ErrNotExist) {
			return nil, nil
		}
		return b.fallback(fmt.Errorf("primary missing, backup unreadable: %w", berr))
	}

	b.log.Warn("primary store file unreadable, retrying", zap.String("path", b.path), zap.Error(err))
	if b.retryDelay > 0 {
		timer := time.NewTimer(b.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if data, err = b.readValid(b.path); err == nil {
		b.remember(data)
		return data, nil
	}

	backup, berr := b.readValid(b.backupPath)
	if berr == nil {
		b.log.Warn("loaded store backup after primary read failures", zap.String("path", b.backupPath), zap.Error(err))
		b.remember(backup)
		return backup, nil
	}
	return b.fallback(fmt.Errorf("primary: %v; backup: %w", err, berr))
}

func (b *Backend) fallback(cause error) ([]byte, error) {
	b.mu.Lock()
	last := b.lastGood
	b.mu.Unlock()
	if last != nil {
		b.log.Warn("serving last known good store snapshot", zap.Error(cause))
		return last, nil
	}
	return nil, fmt.Errorf("%w: %w", repository.ErrBackendUnavailable, cause)
}

func (b *Backend) remember(data []byte) {
	b.mu.Lock()
	b.lastGood = data
	b.mu.Unlock()
}

// readValid returns the file contents if they hold a JSON object.
func (b *Backend) readValid(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("%s: malformed or partial document (%d bytes)", path, len(data))
	}
	return trimmed, nil
}

// Begin starts a write session; sessions on one Backend never overlap.
func (b *Backend) Begin(ctx context.Context) (repository.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.writeMu.Lock()
	return &session{b: b}, nil
}

// commit persists agg unless it would catastrophically empty the store.
func (b *Backend) commit(agg *domain.Aggregate) error {
	data, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encoding aggregate: %w", err)
	}

	current, currentErr := b.readValid(b.path)
	if currentErr != nil {
		b.mu.Lock()
		current = b.lastGood
		b.mu.Unlock()
	}
	if current != nil && refuse(agg, current) {
		b.log.Error("refusing commit that would empty the store",
			zap.String("path", b.path),
			zap.Int("next_users", agg.HumanUserCount()),
			zap.Int("current_bytes", len(current)),
		)
		return repository.ErrRefusedDataLossCommit
	}

	// Only a primary that parses is worth keeping as the backup.
	if currentErr == nil {
		if err := writeAtomic(b.backupPath, current); err != nil {
			return fmt.Errorf("%w: writing backup: %w", repository.ErrBackendUnavailable, err)
		}
	}
	if err := writeFileSync(b.tmpPath, data); err != nil {
		return fmt.Errorf("%w: writing temp file: %w", repository.ErrBackendUnavailable, err)
	}

	// The rename and the recorded mtime change together so Watch never
	// mistakes our own write for an external one.
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Rename(b.tmpPath, b.path); err != nil {
		return fmt.Errorf("%w: replacing primary: %w", repository.ErrBackendUnavailable, err)
	}
	syncDir(filepath.Dir(b.path))

	b.lastGood = data
	next := b.marker + 1
	if info, err := os.Stat(b.path); err == nil {
		b.ownMtime = info.ModTime()
		if ms := info.ModTime().UnixMilli(); ms > next {
			next = ms
		}
	}
	b.marker = next
	return nil
}

// refuse reports whether writing next over current would lose data. A current
// document that cannot be read counts as holding data.
func refuse(next *domain.Aggregate, current []byte) bool {
	prev, ok := sanitize.Parse(current)
	return !ok || domain.CatastrophicallyEmptier(next, prev)
}

// ChangeMarker is derived from the primary file's mtime and never decreases.
func (b *Backend) ChangeMarker(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info, err := os.Stat(b.path); err == nil {
		if ms := info.ModTime().UnixMilli(); ms > b.marker {
			b.marker = ms
		}
	}
	return b.marker, nil
}

func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		_ = os.Remove(b.tmpPath)
	})
	return nil
}

type session struct {
	b    *Backend
	done bool
}

func (s *session) Load(ctx context.Context) ([]byte, error) {
	return s.b.Load(ctx)
}

func (s *session) Commit(ctx context.Context, agg *domain.Aggregate) error {
	if s.done {
		return errors.New("jsonfile: session already finished")
	}
	defer s.finish()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.b.commit(agg)
}

func (s *session) Rollback(ctx context.Context) error {
	if !s.done {
		s.finish()
	}
	return nil
}

func (s *session) finish() {
	s.done = true
	s.b.writeMu.Unlock()
}

func writeAtomic(path string, data []byte) error {
	tmp := path + tmpSuffix
	if err := writeFileSync(tmp, data); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

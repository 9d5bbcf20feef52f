package jsonfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reports edits to the primary file made outside this Backend, for
// example by an operator restoring a backup. onChange receives the new change
// marker. Commits made through this Backend are not reported. Watch blocks
// until ctx is done.
func (b *Backend) Watch(ctx context.Context, onChange func(marker int64)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	// The primary is replaced by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(b.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(b.path), err)
	}

	target := filepath.Clean(b.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if marker, external := b.externalChange(); external {
				b.log.Info("store file changed externally", zap.Int64("marker", marker))
				onChange(marker)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.log.Warn("store file watcher error", zap.Error(err))
		}
	}
}

// externalChange bumps the marker if the primary's mtime differs from the
// one left by our last commit. The stat happens under b.mu so it cannot
// interleave with a commit's rename.
func (b *Backend) externalChange() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, err := os.Stat(b.path)
	if err != nil {
		return 0, false
	}
	if info.ModTime().Equal(b.ownMtime) {
		return b.marker, false
	}
	b.ownMtime = info.ModTime()
	next := b.marker + 1
	if ms := info.ModTime().UnixMilli(); ms > next {
		next = ms
	}
	b.marker = next
	return next, true
}

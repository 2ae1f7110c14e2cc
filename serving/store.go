package serving

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store holds the active snapshot behind an atomic pointer. Readers always
// see one consistent snapshot; Publish is a single pointer swap and a reader
// holding an older snapshot continues unaffected.
type Store struct {
	dir     string
	current atomic.Pointer[Snapshot]
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Current returns the latest published snapshot, or nil before the first
// load. Never blocks.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Publish atomically swaps in a new snapshot.
func (s *Store) Publish(snap *Snapshot) {
	s.current.Store(snap)
}

// Dir is the artifact directory this store loads from.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads the artifacts from disk and publishes the snapshot.
func (s *Store) Load() error {
	snap, err := LoadSnapshot(s.dir)
	if err != nil {
		return err
	}
	s.Publish(snap)
	return nil
}

// Watch reloads the snapshot whenever the manifest is rewritten, so a model
// trained out of process (cmd/train_model) is picked up without a restart.
// Blocks until the context is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != manifestFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// The manifest is written last; a short settle still guards
			// against reading a write in progress.
			time.Sleep(100 * time.Millisecond)
			if err := s.Load(); err != nil {
				zap.S().Errorw("snapshot reload failed", "error", err)
				continue
			}
			zap.S().Infow("snapshot reloaded", "version", s.Current().Version)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			zap.S().Warnw("artifact watcher error", "error", err)
		}
	}
}

package spool

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Sweeper garbage-collects orphaned artifacts: files left behind when a
// request crashed mid-pipeline or when cleanup exhausted its retries. It
// watches the spool directories for creations and periodically deletes
// entries older than maxAge.
type Sweeper struct {
	watcher  *fsnotify.Watcher
	dirs     []string
	maxAge   time.Duration
	interval time.Duration
	remover  *Remover
	log      *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewSweeper creates a sweeper over the store's directories.
func NewSweeper(store *Store, maxAge, interval time.Duration, remover *Remover, log *slog.Logger) (*Sweeper, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	tempDir, downloadDir := store.Dirs()
	return &Sweeper{
		watcher:  watcher,
		dirs:     []string{tempDir, downloadDir},
		maxAge:   maxAge,
		interval: interval,
		remover:  remover,
		log:      log,
		seen:     make(map[string]time.Time),
	}, nil
}

// Start begins watching and sweeping until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	for _, dir := range s.dirs {
		if err := s.watcher.Add(dir); err != nil {
			return err
		}
	}

	// Pick up files that predate the watcher
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			birth := time.Now()
			if info, err := e.Info(); err == nil {
				birth = info.ModTime()
			}
			s.track(filepath.Join(dir, e.Name()), birth)
		}
	}

	go s.run(ctx)
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				s.track(event.Name, time.Now())
			case event.Op&fsnotify.Remove == fsnotify.Remove,
				event.Op&fsnotify.Rename == fsnotify.Rename:
				s.forget(event.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("spool watcher error", "error", err)
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) track(path string, birth time.Time) {
	s.mu.Lock()
	s.seen[path] = birth
	s.mu.Unlock()
}

func (s *Sweeper) forget(path string) {
	s.mu.Lock()
	delete(s.seen, path)
	s.mu.Unlock()
}

func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.maxAge)

	s.mu.Lock()
	var stale []string
	for path, birth := range s.seen {
		if birth.Before(cutoff) {
			stale = append(stale, path)
		}
	}
	s.mu.Unlock()

	for _, path := range stale {
		if s.remover.Remove(path) {
			s.log.Info("swept stale artifact", "path", path)
		}
		s.forget(path)
	}
}

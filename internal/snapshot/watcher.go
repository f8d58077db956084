package snapshot

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports changes to watched files after a quiet period. It watches
// the parent directories so that editors replacing a file by rename are seen.
type Watcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]bool
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewWatcher watches the given file paths. Glob patterns are expanded once.
func NewWatcher(paths []string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	w := &Watcher{
		watcher:  fw,
		files:    make(map[string]bool),
		debounce: debounce,
		logger:   logger.Named("snapshot.watcher"),
		pending:  make(map[string]time.Time),
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		matches := []string{p}
		if hasMeta(p) {
			if m, err := filepath.Glob(p); err == nil {
				matches = m
			}
		}
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				continue
			}
			w.files[abs] = true
			dirs[filepath.Dir(abs)] = true
		}
	}
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			w.logger.Warn("cannot watch directory", zap.String("dir", d), zap.Error(err))
		}
	}
	return w, nil
}

// Run delivers debounced change batches to onChange until ctx is done.
func (w *Watcher) Run(ctx context.Context, onChange func(paths []string)) error {
	defer w.watcher.Close()
	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.record(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		case now := <-ticker.C:
			if ready := w.ready(now); len(ready) > 0 {
				onChange(ready)
			}
		}
	}
}

func (w *Watcher) record(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	abs, err := filepath.Abs(ev.Name)
	if err != nil || !w.files[abs] {
		return
	}
	w.mu.Lock()
	w.pending[abs] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) ready(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for p, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			out = append(out, p)
			delete(w.pending, p)
		}
	}
	sort.Strings(out)
	return out
}

package inventory

import (
	"context"
	"log/slog"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
	defaultDebounce    = 250 * time.Millisecond
)

// Watcher re-syncs the inventory file into the store whenever it changes on disk.
type Watcher struct {
	path     string
	writer   Writer
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	lastHash uint64
	timer    *time.Timer
}

// NewWatcher creates a watcher for path. initial is the file already synced at boot, if any.
func NewWatcher(path string, w Writer, logger *slog.Logger, initial *File) *Watcher {
	watcher := &Watcher{
		path:     path,
		writer:   w,
		logger:   logger,
		debounce: defaultDebounce,
	}
	if initial != nil {
		watcher.lastHash = initial.hash
	}
	return watcher
}

// Run watches the file's directory until ctx is cancelled. A broken watcher is
// recreated with a jittered exponential backoff.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("inventory watch init failed", "dir", dir, "err", err)
			if !wait() {
				break
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.logger.Warn("inventory watch add failed", "dir", dir, "err", err)
			if !wait() {
				break
			}
			continue
		}
		backoff = restartBackoffBase
		w.logger.Debug("inventory watcher started", "dir", dir, "file", file)

		w.watch(ctx, fw, file)
		_ = fw.Close()
		if ctx.Err() != nil {
			break
		}
		w.logger.Warn("inventory watcher stopped; restarting", "dir", dir)
		if !wait() {
			break
		}
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return nil
}

// watch consumes events until ctx is done or the watcher breaks.
func (w *Watcher) watch(ctx context.Context, fw *fsnotify.Watcher, file string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				w.logger.Warn("inventory watch overflow; forcing reload", "err", err)
				w.schedule(ctx)
				continue
			}
			w.logger.Warn("inventory watch error", "err", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	f, err := Load(w.path)
	if err != nil {
		w.logger.Warn("inventory reload rejected", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := f.hash == w.lastHash
	w.mu.Unlock()
	if unchanged {
		w.logger.Debug("inventory unchanged; skipping sync", "path", w.path)
		return
	}
	sum, err := Sync(ctx, w.writer, f)
	if err != nil {
		w.logger.Error("inventory sync failed", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	w.lastHash = f.hash
	w.mu.Unlock()
	w.logger.Info("inventory reloaded", "devices", sum.Devices, "groups", sum.Groups, "scripts", sum.Scripts, "pruned", sum.Pruned)
}

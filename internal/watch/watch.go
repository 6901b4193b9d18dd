// Package watch turns bursts of filesystem changes under a set of source
// directories into single rebuild triggers.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a burst must stay quiet before it is reported.
const DefaultDebounce = 300 * time.Millisecond

// DefaultIgnore lists directory names never watched.
var DefaultIgnore = []string{".git", "node_modules", "dist", "build", "vendor"}

// Options configures a Watcher. Zero values select the defaults.
type Options struct {
	Debounce time.Duration
	Ignore   []string
	Logger   *slog.Logger
}

// Watcher watches directories recursively and emits on Changes once per
// settled burst of events.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	ignore   map[string]bool
	roots    []string
	logger   *slog.Logger

	changes chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func New(paths []string, opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:      fsw,
		debounce: opts.Debounce,
		ignore:   make(map[string]bool),
		logger:   opts.Logger,
		changes:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "watch")
	ignore := opts.Ignore
	if len(ignore) == 0 {
		ignore = DefaultIgnore
	}
	for _, n := range ignore {
		w.ignore[n] = true
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = fsw.Close()
			return nil, err
		}
		w.roots = append(w.roots, abs)
		if err := w.addRecursive(abs); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Changes delivers one value per settled burst. A slow reader sees bursts
// coalesced.
func (w *Watcher) Changes() <-chan struct{} { return w.changes }

// Start runs the event loop until ctx ends or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Close stops the loop and releases the underlying watcher.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(ev.Name); err != nil {
						w.logger.Debug("failed to watch new directory", "path", ev.Name, "error", err)
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("filesystem watcher error", "error", err)
		}
	}
}

// relevant drops permission-only changes and anything under an ignored or
// hidden path element.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	rel := ev.Name
	for _, root := range w.roots {
		if r, err := filepath.Rel(root, ev.Name); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
			break
		}
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if w.skip(part) {
			return false
		}
	}
	return true
}

func (w *Watcher) skip(name string) bool {
	if w.ignore[name] {
		return true
	}
	return len(name) > 1 && strings.HasPrefix(name, ".") && name != ".."
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.skip(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Debug("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// Package watcher reports files created or modified under a workspace
// while a run is in progress.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"runstream/internal/logger"
	"runstream/internal/protocol"
)

const defaultDebounce = 500 * time.Millisecond

// excludedDirs are never watched.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// Options configure a Watcher.
type Options struct {
	// Debounce coalesces bursts of events on the same path.
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher monitors workspaces for file changes.
type Watcher struct {
	debounce time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	active map[*workspace]struct{}
}

type workspace struct {
	root      string
	fsWatcher *fsnotify.Watcher
	callback  func(action, path string)
	cancel    chan struct{}
	stopOnce  sync.Once

	mu      sync.Mutex
	pending map[string]string // path → action
	timer   *time.Timer
}

// New creates a new file system watcher.
func New(opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = logger.WithComponent("watcher")
	}
	return &Watcher{
		debounce: opts.Debounce,
		log:      opts.Logger,
		active:   make(map[*workspace]struct{}),
	}
}

// Watch starts watching root and its subdirectories. fn receives each
// coalesced change with protocol.FileCreated or protocol.FileModified. The
// returned stop function ends the watch; no callback runs after it returns.
func (w *Watcher) Watch(root string, fn func(action, path string)) (func(), error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch %s: not a directory", root)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Add directories recursively.
	if err := addDirsRecursive(fsW, root); err != nil {
		fsW.Close()
		return nil, err
	}

	ws := &workspace{
		root:      root,
		fsWatcher: fsW,
		callback:  fn,
		cancel:    make(chan struct{}),
		pending:   make(map[string]string),
	}

	w.mu.Lock()
	w.active[ws] = struct{}{}
	w.mu.Unlock()

	go w.watchLoop(ws)

	return func() { w.stop(ws) }, nil
}

func (w *Watcher) stop(ws *workspace) {
	ws.stopOnce.Do(func() {
		w.mu.Lock()
		delete(w.active, ws)
		w.mu.Unlock()

		ws.mu.Lock()
		close(ws.cancel)
		if ws.timer != nil {
			ws.timer.Stop()
		}
		ws.mu.Unlock()
		ws.fsWatcher.Close()
	})
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(ws *workspace) {
	for {
		select {
		case <-ws.cancel:
			return

		case event, ok := <-ws.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(ws, event)

		case err, ok := <-ws.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "root", ws.root, "error", err)
		}
	}
}

func (w *Watcher) handle(ws *workspace, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	base := filepath.Base(event.Name)
	if excludedDirs[base] || isHidden(base) {
		return
	}

	// If a new directory is created, watch it too.
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := addDirsRecursive(ws.fsWatcher, event.Name); err != nil {
				w.log.Debug("watch new directory failed", "path", event.Name, "error", err)
			}
		}
		return
	}

	action := protocol.FileModified
	if event.Has(fsnotify.Create) {
		action = protocol.FileCreated
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	select {
	case <-ws.cancel:
		return
	default:
	}
	// A create followed by writes is still a create.
	if ws.pending[event.Name] != protocol.FileCreated {
		ws.pending[event.Name] = action
	}

	// Debounce: reset timer on each event.
	if ws.timer != nil {
		ws.timer.Stop()
	}
	ws.timer = time.AfterFunc(w.debounce, func() { w.flush(ws) })
}

// flush reports pending changes in path order.
func (w *Watcher) flush(ws *workspace) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	select {
	case <-ws.cancel:
		return
	default:
	}

	paths := make([]string, 0, len(ws.pending))
	for p := range ws.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		ws.callback(ws.pending[p], p)
	}
	clear(ws.pending)
}

// Active returns the number of workspaces being watched.
func (w *Watcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	all := make([]*workspace, 0, len(w.active))
	for ws := range w.active {
		all = append(all, ws)
	}
	w.mu.Unlock()

	for _, ws := range all {
		w.stop(ws)
	}
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if excludedDirs[name] && path != dir {
			return filepath.SkipDir
		}
		if isHidden(name) && name != ".claude" && path != dir {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

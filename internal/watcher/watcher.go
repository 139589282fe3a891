// Package watcher reports changes to session logs under a root directory,
// coalescing bursts of filesystem events into a single callback.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marcus/tokentally/internal/logging"
	"github.com/marcus/tokentally/internal/scan"
	"github.com/marcus/tokentally/internal/usage"
)

// Watcher watches root and every directory below it.
type Watcher struct {
	root     string
	debounce time.Duration
	onChange func(paths []string)
	log      *logging.Logger

	mu         sync.Mutex
	pending    map[string]struct{}
	generation int
	stopped    bool

	fsw      *fsnotify.Watcher
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New returns a Watcher that calls onChange with the changed log paths once
// no further change has arrived for debounce.
func New(root string, debounce time.Duration, onChange func(paths []string)) *Watcher {
	return &Watcher{
		root:     root,
		debounce: debounce,
		onChange: onChange,
		log:      logging.Component("watcher"),
		pending:  map[string]struct{}{},
		stop:     make(chan struct{}),
	}
}

// Start begins watching. The root must exist.
func (w *Watcher) Start() error {
	if _, err := os.Stat(w.root); err != nil {
		return usage.NewError(usage.ErrFileAccess, "watch", w.root, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return usage.NewError(usage.ErrFileAccess, "watch", w.root, err)
	}
	w.fsw = fsw
	w.addTree(w.root, false)

	w.wg.Add(1)
	go w.loop()
	w.log.Infof("watching %s", w.root)
	return nil
}

// Stop ends watching. Pending changes are dropped.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.stop)
		w.wg.Wait()
	})
}

// Notify schedules path as changed, as if the filesystem had reported it.
func (w *Watcher) Notify(path string) {
	w.schedule(path)
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	defer func() { _ = w.fsw.Close() }()

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WarnCtx("watch error", map[string]any{"error": err.Error()})
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// Files may have landed before the directory was watched.
			w.addTree(ev.Name, true)
			return
		}
	}
	if !strings.HasSuffix(ev.Name, scan.Ext) {
		return
	}
	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.schedule(ev.Name)
	}
}

// addTree watches dir and its subdirectories. When announce is set, logs
// already present are scheduled.
func (w *Watcher) addTree(dir string, announce bool) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				w.log.WarnCtx("cannot watch directory", map[string]any{"dir": path, "error": err.Error()})
			}
			return nil
		}
		if announce && strings.HasSuffix(path, scan.Ext) {
			w.schedule(path)
		}
		return nil
	})
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.pending[path] = struct{}{}
	w.generation++
	gen := w.generation
	time.AfterFunc(w.debounce, func() { w.flush(gen) })
}

func (w *Watcher) flush(generation int) {
	w.mu.Lock()
	if w.stopped || generation != w.generation || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	clear(w.pending)
	w.mu.Unlock()

	sort.Strings(paths)
	w.log.DebugCtx("changes settled", map[string]any{"files": len(paths)})
	w.onChange(paths)
}

// Package watcher observes a directory tree and reports debounced file
// changes. Rapid writes to one path coalesce into a single change after a
// quiet period; Flush force-resolves everything still pending so callers
// can order change delivery ahead of a request's terminal message.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change is one normalized filesystem mutation. Path is relative to the
// watched root, slash-separated. Content is empty for deletions.
type Change struct {
	Path       string
	ChangeType string // "create", "update", or "delete"
	Content    string
}

// Change types.
const (
	ChangeCreate = "create"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// ignoredDirs are never descended into or reported.
var ignoredDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"vendor":       {},
	"__pycache__":  {},
	"dist":         {},
	"build":        {},
	"target":       {},
}

// Watcher debounces fsnotify events for one directory tree. File-change
// notification is best effort: if the platform cannot watch, the Watcher
// silently stays disabled.
type Watcher struct {
	root     string
	debounce time.Duration
	onChange func(Change) // may be nil
	log      *slog.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	pending map[string]*pendingChange
	started bool
	stopped bool
	done    chan struct{}

	// inflight counts debounce timers that have removed their pending
	// entry but not yet emitted. Flush and Stop wait on it so no change
	// can land after either returns.
	inflight sync.WaitGroup
}

type pendingChange struct {
	timer   *time.Timer
	created bool // first event for the path was a create
}

// New returns a Watcher for root. onChange may be nil; changes are then
// resolved and dropped.
func New(root string, debounce time.Duration, onChange func(Change), log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		onChange: onChange,
		log:      log,
		pending:  make(map[string]*pendingChange),
	}
}

// Start begins recursive observation. A second call while running is a
// no-op. Failure to start is not an error: the watcher degrades to
// disabled and only logs.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started || w.stopped {
		return
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("file watching unavailable", "root", w.root, "error", err)
		return
	}
	w.fsw = fsw
	w.started = true
	w.done = make(chan struct{})

	if err := w.addRecursive(w.root); err != nil {
		w.log.Warn("failed to watch directory tree", "root", w.root, "error", err)
	}

	go w.loop()
}

// addRecursive registers root and every non-ignored subdirectory.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipName(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.log.Debug("watch add failed", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Debug("watch error", "root", w.root, "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || ignoredPath(rel) {
		return
	}

	// New directories need their own watch for nested changes.
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.mu.Lock()
			if w.started && !w.stopped {
				_ = w.addRecursive(ev.Name)
			}
			w.mu.Unlock()
			return
		}
	}

	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || !w.started {
		return
	}

	pc, ok := w.pending[rel]
	if ok {
		pc.timer.Reset(w.debounce)
		return
	}

	pc = &pendingChange{created: ev.Has(fsnotify.Create)}
	pc.timer = time.AfterFunc(w.debounce, func() {
		w.fire(rel)
	})
	w.pending[rel] = pc
}

// fire resolves one pending path after its quiet period. The inflight
// count is raised while the pending entry is still held under the lock,
// so a concurrent Flush either drains the entry itself or waits for this
// emission.
func (w *Watcher) fire(rel string) {
	w.mu.Lock()
	pc, ok := w.pending[rel]
	if !ok || w.stopped {
		w.mu.Unlock()
		return
	}
	delete(w.pending, rel)
	w.inflight.Add(1)
	w.mu.Unlock()

	defer w.inflight.Done()
	w.resolve(rel, pc.created)
}

// resolve reads the file and emits the final change record. A failed read
// means the file vanished, which maps to a delete.
func (w *Watcher) resolve(rel string, created bool) {
	change := Change{Path: filepath.ToSlash(rel)}

	data, err := os.ReadFile(filepath.Join(w.root, rel))
	switch {
	case err != nil:
		change.ChangeType = ChangeDelete
	case created:
		change.ChangeType = ChangeCreate
		change.Content = string(data)
	default:
		change.ChangeType = ChangeUpdate
		change.Content = string(data)
	}

	w.mu.Lock()
	suppressed := w.stopped
	w.mu.Unlock()
	if suppressed || w.onChange == nil {
		return
	}
	w.onChange(change)
}

// Flush cancels every pending debounce timer and synchronously resolves
// each pending path before returning. Order across paths is arbitrary.
func (w *Watcher) Flush() {
	w.mu.Lock()
	drained := make(map[string]*pendingChange, len(w.pending))
	for rel, pc := range w.pending {
		pc.timer.Stop()
		drained[rel] = pc
		delete(w.pending, rel)
	}
	stopped := w.stopped
	w.mu.Unlock()

	if stopped {
		return
	}
	for rel, pc := range drained {
		w.resolve(rel, pc.created)
	}
	w.inflight.Wait()
}

// Stop cancels observation and all pending timers. No change is emitted
// after Stop returns, even for filesystem events already in flight.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for rel, pc := range w.pending {
		pc.timer.Stop()
		delete(w.pending, rel)
	}
	fsw := w.fsw
	done := w.done
	w.fsw = nil
	w.mu.Unlock()

	if fsw != nil {
		_ = fsw.Close()
	}
	if done != nil {
		<-done
	}
	w.inflight.Wait()
}

// skipName reports whether a directory name is excluded from watching.
func skipName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, ok := ignoredDirs[name]
	return ok
}

// ignoredPath reports whether any segment of a relative path is hidden or
// belongs to a version-control or dependency directory.
func ignoredPath(rel string) bool {
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "..") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == "" {
			continue
		}
		if skipName(part) {
			return true
		}
	}
	return false
}

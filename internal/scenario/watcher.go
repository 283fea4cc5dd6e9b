package scenario

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"formnerd/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Change is delivered when a watched scenario file settles after an edit.
// Scenario is nil when the file was removed or failed to load; Err says why.
type Change struct {
	Path     string
	Scenario *Scenario
	Err      error
	Removed  bool
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	Events      int
	Reloads     int
	Errors      int
	LastEventAt time.Time
	LastPath    string
}

// Watcher reloads scenario files when they change on disk.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	onChange    func(Change)
	files       map[string]bool // explicit files; empty means any YAML in the watched dirs
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	stats       WatcherStats
}

// NewWatcher watches the given files and directories. Directories match any
// YAML file inside them; files are watched through their parent directory so
// editors that replace files on save keep working.
func NewWatcher(paths []string, onChange func(Change)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:     fw,
		onChange:    onChange,
		files:       map[string]bool{},
		debounceMap: make(map[string]time.Time),
		debounceDur: 300 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	dirs := map[string]bool{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			fw.Close()
			return nil, err
		}
		if info.IsDir() {
			dirs[abs] = true
			continue
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			fw.Close()
			return nil, err
		}
		logging.Get(logging.CategoryScenario).Debug("watching %s", d)
	}
	return w, nil
}

// SetDebounce changes the quiet period before a change is delivered.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounceDur = d
	w.mu.Unlock()
}

// Start runs the event loop in a goroutine. It is a no-op when running.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()
	go w.run(ctx)
}

// Stop ends the event loop, waits for it and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryScenario).Warn("closing watcher: %v", err)
	}
}

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryScenario).Error("watch error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-tick.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Clean(ev.Name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.files) > 0 {
		if !w.files[name] {
			return
		}
	} else if !IsScenarioFile(name) {
		return
	}
	w.stats.Events++
	w.stats.LastEventAt = time.Now()
	w.stats.LastPath = name
	w.debounceMap[name] = time.Now()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for p, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			ready = append(ready, p)
			delete(w.debounceMap, p)
		}
	}
	w.mu.Unlock()

	for _, p := range ready {
		w.reload(p)
	}
}

func (w *Watcher) reload(path string) {
	ch := Change{Path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		ch.Removed = true
		logging.Get(logging.CategoryScenario).Info("scenario removed: %s", path)
	} else {
		ch.Scenario, ch.Err = Load(path)
		w.mu.Lock()
		w.stats.Reloads++
		if ch.Err != nil {
			w.stats.Errors++
		}
		w.mu.Unlock()
		if ch.Err != nil {
			logging.Get(logging.CategoryScenario).Warn("scenario %s is invalid: %v", path, ch.Err)
		} else {
			logging.Get(logging.CategoryScenario).Info("scenario %s reloaded", ch.Scenario.ID)
		}
	}
	if w.onChange != nil {
		w.onChange(ch)
	}
}

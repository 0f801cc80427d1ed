package monitor

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const logFileName = "monitor.txt"

// Watcher signals whenever a progress log in a watched directory is written.
// Signals are coalesced: a burst of writes yields at most one pending signal.
type Watcher struct {
	w       *fsnotify.Watcher
	changes chan struct{}

	mu   sync.Mutex
	dirs map[string]int
}

func NewWatcher() (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	watcher := &Watcher{
		w:       w,
		changes: make(chan struct{}, 1),
		dirs:    make(map[string]int),
	}
	go watcher.listen()
	return watcher, nil
}

func (w *Watcher) listen() {
	for {
		select {
		case event, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != logFileName || event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			slog.Error("progress log watcher error", "error", err)
		}
	}
}

// Add watches the directories holding the given log files.
func (w *Watcher) Add(logPaths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range logPaths {
		dir := filepath.Dir(path)
		if w.dirs[dir] == 0 {
			if err := w.w.Add(dir); err != nil {
				return fmt.Errorf("failed to watch %s: %w", dir, err)
			}
		}
		w.dirs[dir]++
	}
	return nil
}

func (w *Watcher) Remove(logPaths ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range logPaths {
		dir := filepath.Dir(path)
		if w.dirs[dir] == 0 {
			continue
		}
		w.dirs[dir]--
		if w.dirs[dir] == 0 {
			delete(w.dirs, dir)
			if err := w.w.Remove(dir); err != nil {
				slog.Warn("failed to stop watching directory", "dir", dir, "error", err)
			}
		}
	}
}

func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

func (w *Watcher) Close() error {
	return w.w.Close()
}

// watch.go
package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// WatchInfo is a snapshot of what the watcher has seen.
type WatchInfo struct {
	Path       string    `json:"path"`
	Changes    int64     `json:"changes"`
	LastChange time.Time `json:"last_change"`
	LastEvent  string    `json:"last_event,omitempty"`
}

// Watcher records changes to the served directory. It never touches the
// directory itself.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher
	log  logrus.FieldLogger

	changes    atomic.Int64
	lastChange atomic.Time
	lastEvent  atomic.String
}

// NewWatcher starts watching path. Call Run to consume events and Close to
// stop.
func NewWatcher(path string, log logrus.FieldLogger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch directory %s: %w", abs, err)
	}
	return &Watcher{path: abs, fsw: fsw, log: log.WithField("watch", abs)}, nil
}

// Run consumes events until ctx ends or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.lastChange.Store(time.Now())
			w.lastEvent.Store(event.String())
			w.changes.Inc()
			w.log.WithField("event", event.Op.String()).Debugf("Directory changed: %s", filepath.Base(event.Name))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("File watcher error")
		}
	}
}

// Snapshot returns the current counters.
func (w *Watcher) Snapshot() WatchInfo {
	return WatchInfo{
		Path:       w.path,
		Changes:    w.changes.Load(),
		LastChange: w.lastChange.Load(),
		LastEvent:  w.lastEvent.Load(),
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

package config

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 150 * time.Millisecond

// ReloadEvent is one filesystem change to config.yaml.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports edits to config.yaml made outside the process, such as
// the owner editing the file by hand while the gateway runs.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent

	// Debounce is how long Apply waits for a burst of writes to settle.
	Debounce time.Duration
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger.With("component", "config"),
		events:   make(chan ReloadEvent, 16),
		Debounce: defaultDebounce,
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory rather than the file itself: Save
// replaces config.yaml by rename, which drops a watch on the old inode.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !isConfigChange(ev) {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func isConfigChange(ev fsnotify.Event) bool {
	if filepath.Base(ev.Name) != "config.yaml" {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// Apply reloads store once each burst of events has been quiet for
// Debounce, until the watcher stops.
func (w *Watcher) Apply(ctx context.Context, store *Store) {
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.events:
			if !ok {
				return
			}
			timer.Reset(debounce)
		case <-timer.C:
			w.reload(store)
		}
	}
}

func (w *Watcher) reload(store *Store) {
	changed, err := store.Reload()
	switch {
	case errors.Is(err, ErrOwnerLocked):
		w.logger.Warn("config edit tried to re-pair the bot; keeping the current owner", "error", err)
	case err != nil:
		w.logger.Warn("config reload failed", "error", err)
		return
	}
	if changed {
		w.logger.Info("config reloaded from disk", "path", store.Path())
	}
}

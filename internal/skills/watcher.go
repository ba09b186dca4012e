package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 150 * time.Millisecond

// Watcher emits an event when a SKILL.md under one of its roots changes. It
// watches the root dirs and their immediate child dirs.
type Watcher struct {
	dirs   []string
	logger *slog.Logger
	events chan struct{}
}

func NewWatcher(dirs []string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	cp := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if strings.TrimSpace(d) != "" {
			cp = append(cp, d)
		}
	}
	return &Watcher{
		dirs:   cp,
		logger: logger.With("component", "skills_watcher"),
		events: make(chan struct{}, 1),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Start registers the directories and begins watching until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	for _, dir := range w.dirs {
		w.addTree(fsw, dir)
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		w.logger.Warn("abs failed", "dir", dir, "error", err)
		return
	}
	if err := fsw.Add(abs); err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("add failed", "dir", abs, "error", err)
		}
		return
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if ent.IsDir() {
			_ = fsw.Add(filepath.Join(abs, ent.Name()))
		}
	}
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer func() {
		_ = fsw.Close()
		close(w.events)
	}()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			relevant := filepath.Base(ev.Name) == "SKILL.md"
			// New skill directories are watched as they appear; the SKILL.md
			// inside may have been written before registration.
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = fsw.Add(ev.Name)
					relevant = true
				}
			}
			// A removed skill directory shows up as a Remove of the dir itself.
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && filepath.Ext(ev.Name) == "" {
				relevant = true
			}
			if !relevant {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
			timerC = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		case <-timerC:
			timerC = nil
			select {
			case w.events <- struct{}{}:
			default:
			}
		}
	}
}

// Run reloads l on every change event until the watcher stops.
func (w *Watcher) Run(ctx context.Context, l *Loader) {
	for range w.events {
		if err := l.Reload(ctx); err != nil {
			w.logger.Warn("skills reload reported errors", "error", err)
		}
		w.logger.Info("skills reloaded", "count", len(l.List()))
	}
}

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-paw/internal/config"
)

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o600); err != nil {
		t.Fatalf("write initial config: %v", err)
	}
	// Unrelated files in the home directory must not produce events.
	other := filepath.Join(homeDir, "notes.txt")

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	_ = os.WriteFile(other, []byte("x"), 0o600)
	_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o600)

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o600)
		case <-deadline:
			t.Fatalf("timed out waiting for config.yaml change event")
		}
	}
}

func TestWatcher_ApplyReloadsStore(t *testing.T) {
	homeDir := t.TempDir()
	store, err := config.OpenStore(homeDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Update(func(s *config.Settings) error { return nil }); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	w.Debounce = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	go w.Apply(ctx, store)

	edited := store.Get()
	edited.OllamaModel = "mistral"
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = config.Save(homeDir, edited)
		time.Sleep(100 * time.Millisecond)
		if store.Get().OllamaModel == "mistral" {
			return
		}
	}
	t.Fatalf("store did not pick up external edit; ollama_model = %q", store.Get().OllamaModel)
}

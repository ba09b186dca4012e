package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_DebounceCoalescing(t *testing.T) {
	dir := t.TempDir()
	skillMD := filepath.Join(dir, "myskill", "SKILL.md")
	writeSkillMD(t, filepath.Dir(skillMD), "v1\n")

	w := NewWatcher([]string{dir}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(skillMD, []byte("updated\n"), 0o644); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	count := 0
	drain := time.After(600 * time.Millisecond)
loop:
	for {
		select {
		case _, ok := <-w.Events():
			if !ok {
				break loop
			}
			count++
		case <-drain:
			break loop
		}
	}
	if count == 0 {
		t.Fatal("expected at least 1 debounced event, got 0")
	}
	if count > 2 {
		t.Fatalf("expected debounce coalescing (1-2 events), got %d", count)
	}
}

func TestWatcher_NonSkillFilesFiltered(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "someskill")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w := NewWatcher([]string{dir}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(skillDir, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write txt: %v", err)
	}
	select {
	case <-w.Events():
		t.Fatal("expected no event for .txt file")
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcher_ContextCancellationClosesEvents(t *testing.T) {
	w := NewWatcher([]string{t.TempDir()}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		for range w.Events() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after context cancellation")
	}
}

func TestWatcher_RunReloadsNewSkill(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader([]Dir{{Path: dir, Source: SourceUser}}, quietLogger())
	if err := l.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	w := NewWatcher([]string{dir}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go w.Run(ctx, l)
	time.Sleep(100 * time.Millisecond)

	writeSkillMD(t, filepath.Join(dir, "brand-new"), "---\ndescription: fresh\n---\nInstructions.\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := l.Get("brand-new"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("new skill was not picked up by the watcher")
}

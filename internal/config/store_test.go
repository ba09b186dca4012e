package config_test

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/basket/go-paw/internal/config"
)

func TestStore_UpdatePersistsBeforeReturning(t *testing.T) {
	home := t.TempDir()
	store, err := config.OpenStore(home)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	if err := store.Update(func(s *config.Settings) error {
		s.LLMProvider = config.ProviderAnthropic
		s.AnthropicAPIKey = "sk-ant-xyz"
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	onDisk, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if onDisk.LLMProvider != config.ProviderAnthropic || onDisk.AnthropicAPIKey != "sk-ant-xyz" {
		t.Fatalf("settings not persisted: %+v", onDisk)
	}
	if got := store.Get().LLMProvider; got != config.ProviderAnthropic {
		t.Fatalf("store view = %q", got)
	}
}

func TestStore_FailedUpdateChangesNothing(t *testing.T) {
	home := t.TempDir()
	store, err := config.OpenStore(home)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	calls := 0
	store.Subscribe(func(config.Settings) { calls++ })

	err = store.Update(func(s *config.Settings) error {
		s.AgentBackend = config.BackendClaudeCode
		return config.ErrInvalidSetting
	})
	if !errors.Is(err, config.ErrInvalidSetting) {
		t.Fatalf("expected ErrInvalidSetting, got %v", err)
	}
	if store.Get().AgentBackend != config.BackendOpenInterpreter {
		t.Fatal("rejected update leaked into store")
	}
	if _, err := os.Stat(config.ConfigPath(home)); !os.IsNotExist(err) {
		t.Fatalf("rejected update wrote config.yaml: %v", err)
	}
	if calls != 0 {
		t.Fatalf("subscribers ran %d times for a rejected update", calls)
	}
}

func TestStore_SubscribersSeeNewSnapshot(t *testing.T) {
	store, err := config.OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	var seen []string
	unsubscribe := store.Subscribe(func(s config.Settings) { seen = append(seen, s.LLMProvider) })

	_ = store.Update(func(s *config.Settings) error { s.LLMProvider = config.ProviderOllama; return nil })
	unsubscribe()
	_ = store.Update(func(s *config.Settings) error { s.LLMProvider = config.ProviderOpenAI; return nil })

	if len(seen) != 1 || seen[0] != config.ProviderOllama {
		t.Fatalf("seen = %v", seen)
	}
}

func TestStore_EnvOverridesAreNotPersisted(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")
	store, err := config.OpenStore(home)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if store.Get().AnthropicAPIKey != "sk-ant-from-env" {
		t.Fatal("expected env key in effective settings")
	}
	if err := store.Update(func(s *config.Settings) error { s.BypassPermissions = true; return nil }); err != nil {
		t.Fatalf("update: %v", err)
	}
	raw, err := os.ReadFile(config.ConfigPath(home))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "sk-ant-from-env") {
		t.Fatal("env-provided key was written to config.yaml")
	}
}

func TestStore_ReloadDetectsExternalEdit(t *testing.T) {
	home := t.TempDir()
	store, err := config.OpenStore(home)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Update(func(s *config.Settings) error { return nil }); err != nil {
		t.Fatalf("seed: %v", err)
	}
	changed, err := store.Reload()
	if err != nil || changed {
		t.Fatalf("reload of own write: changed=%v err=%v", changed, err)
	}

	edited := store.Get()
	edited.OllamaModel = "qwen2.5"
	if err := config.Save(home, edited); err != nil {
		t.Fatalf("save: %v", err)
	}
	changed, err = store.Reload()
	if err != nil || !changed {
		t.Fatalf("reload of external edit: changed=%v err=%v", changed, err)
	}
	if store.Get().OllamaModel != "qwen2.5" {
		t.Fatalf("ollama model = %q", store.Get().OllamaModel)
	}
}

func TestStore_ReloadKeepsBoundOwner(t *testing.T) {
	home := t.TempDir()
	store, err := config.OpenStore(home)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Update(func(s *config.Settings) error {
		s.AllowedUserID = 555
		return nil
	}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	edited := store.Get()
	edited.AllowedUserID = 666
	edited.OllamaModel = "phi3"
	if err := config.Save(home, edited); err != nil {
		t.Fatalf("save: %v", err)
	}
	changed, err := store.Reload()
	if !errors.Is(err, config.ErrOwnerLocked) {
		t.Fatalf("err = %v, want ErrOwnerLocked", err)
	}
	if !changed || store.Get().OllamaModel != "phi3" {
		t.Fatalf("other fields not applied: changed=%v model=%q", changed, store.Get().OllamaModel)
	}
	if got := store.Get().AllowedUserID; got != 555 {
		t.Fatalf("owner = %d, want 555", got)
	}
}

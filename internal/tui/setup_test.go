package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/go-paw/internal/config"
)

const validToken = "123456789:AAHfakefakefakefakefakefake"

var (
	keyEnter = tea.KeyMsg{Type: tea.KeyEnter}
	keyEsc   = tea.KeyMsg{Type: tea.KeyEsc}
	keyDown  = tea.KeyMsg{Type: tea.KeyDown}
)

func press(t *testing.T, m setupModel, msg tea.Msg) setupModel {
	t.Helper()
	out, _ := m.Update(msg)
	next, ok := out.(setupModel)
	if !ok {
		t.Fatalf("Update returned %T", out)
	}
	return next
}

func typed(t *testing.T, m setupModel, value string) setupModel {
	t.Helper()
	m.input.SetValue(value)
	return press(t, m, keyEnter)
}

func startSettings(t *testing.T) config.Settings {
	s := config.Defaults()
	s.FileJailPath = t.TempDir()
	return s
}

func TestSetup_OllamaFlow(t *testing.T) {
	jailDir := t.TempDir()
	var asked string
	m := newSetupModel(startSettings(t), func(host string) []string {
		asked = host
		return []string{"llama3.2", "qwen2.5"}
	})

	m = typed(t, m, "not-a-token")
	if m.step != stepToken || m.errMsg == "" {
		t.Fatalf("bad token accepted: step=%d err=%q", m.step, m.errMsg)
	}
	m = typed(t, m, validToken)
	if m.step != stepProvider {
		t.Fatalf("step = %d, want provider", m.step)
	}

	m = press(t, m, keyDown)
	m = press(t, m, keyEnter)
	if m.settings.LLMProvider != config.ProviderOllama || m.step != stepOllamaHost {
		t.Fatalf("provider = %q step = %d", m.settings.LLMProvider, m.step)
	}

	m = typed(t, m, "http://gpu-box:11434/")
	if asked != "http://gpu-box:11434" || m.step != stepOllamaModel {
		t.Fatalf("asked %q, step %d", asked, m.step)
	}
	m = press(t, m, keyDown)
	m = press(t, m, keyEnter)
	if m.settings.OllamaModel != "qwen2.5" {
		t.Fatalf("model = %q", m.settings.OllamaModel)
	}

	m = typed(t, m, "/definitely/not/here")
	if m.step != stepJail || !strings.Contains(m.errMsg, "Directory not found") {
		t.Fatalf("missing jail accepted: step=%d err=%q", m.step, m.errMsg)
	}
	m = typed(t, m, jailDir)
	if m.step != stepReview {
		t.Fatalf("step = %d, want review", m.step)
	}
	view := m.View()
	if strings.Contains(view, validToken) || !strings.Contains(view, "qwen2.5") {
		t.Fatalf("review view:\n%s", view)
	}

	m = press(t, m, keyEsc)
	if m.step != stepJail || m.input.Value() != jailDir {
		t.Fatalf("back: step=%d value=%q", m.step, m.input.Value())
	}
	m = press(t, m, keyEnter)

	out, cmd := m.Update(keyEnter)
	m = out.(setupModel)
	if !m.done || cmd == nil {
		t.Fatal("review did not finish the wizard")
	}
	s := m.settings
	if s.TelegramBotToken != validToken || s.OllamaHost != "http://gpu-box:11434" || s.FileJailPath != jailDir {
		t.Fatalf("settings = %+v", s)
	}
}

func TestSetup_APIKeyIsMaskedAndSanitized(t *testing.T) {
	m := newSetupModel(startSettings(t), func(string) []string { return nil })
	m = typed(t, m, "")
	if m.settings.TelegramBotToken != "" || m.step != stepProvider {
		t.Fatalf("empty token should mean dashboard only, step=%d", m.step)
	}
	m = press(t, m, keyDown)
	m = press(t, m, keyDown)
	m = press(t, m, keyEnter)
	if m.step != stepAPIKey {
		t.Fatalf("step = %d, want api key", m.step)
	}

	m = press(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("OPENAI_API_KEY=sk-secret-value")})
	if strings.Contains(m.View(), "sk-secret-value") {
		t.Fatal("api key echoed in clear text")
	}
	m = press(t, m, keyEnter)
	if m.settings.OpenAIAPIKey != "sk-secret-value" {
		t.Fatalf("key = %q", m.settings.OpenAIAPIKey)
	}
	if m.step != stepJail {
		t.Fatalf("step = %d, want jail", m.step)
	}
}

func TestSetup_UnreachableOllamaSkipsModel(t *testing.T) {
	m := newSetupModel(startSettings(t), func(string) []string { return nil })
	m = typed(t, m, validToken)
	m = press(t, m, keyEnter) // auto
	m = typed(t, m, "")
	if m.step != stepJail {
		t.Fatalf("step = %d, want jail", m.step)
	}
	if m.settings.OllamaHost != config.DefaultOllamaHost || !strings.Contains(m.note, "No models found") {
		t.Fatalf("host = %q note = %q", m.settings.OllamaHost, m.note)
	}
}

func TestSetup_CtrlCCancels(t *testing.T) {
	m := newSetupModel(startSettings(t), nil)
	out, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if !out.(setupModel).quitting || cmd == nil {
		t.Fatal("ctrl+c did not quit")
	}
}

func TestSanitizeSecret(t *testing.T) {
	cases := map[string]string{
		"  sk-abc  ":                 "sk-abc",
		`"sk-abc"`:                   "sk-abc",
		"ANTHROPIC_API_KEY=sk-ant-x": "sk-ant-x",
		validToken:                   validToken,
	}
	for in, want := range cases {
		if got := sanitizeSecret(in); got != want {
			t.Errorf("sanitizeSecret(%q) = %q, want %q", in, got, want)
		}
	}
	if looksLikeBotToken("abc:AAHfakefakefakefakefakefake") || !looksLikeBotToken(validToken) {
		t.Fatal("bot token check is wrong")
	}
}

package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-paw/internal/config"
	"github.com/basket/go-paw/internal/shared"
)

// ErrSetupCancelled is returned when the wizard is quit before the review step.
var ErrSetupCancelled = errors.New("setup cancelled")

type setupStep int

const (
	stepToken setupStep = iota
	stepProvider
	stepOllamaHost
	stepOllamaModel
	stepAPIKey
	stepJail
	stepReview
)

func (s setupStep) title() string {
	switch s {
	case stepToken:
		return "Telegram Bot"
	case stepProvider:
		return "LLM Provider"
	case stepOllamaHost, stepOllamaModel:
		return "Ollama"
	case stepAPIKey:
		return "API Key"
	case stepJail:
		return "File Access"
	case stepReview:
		return "Review"
	}
	return ""
}

type providerOption struct {
	id    string
	label string
	desc  string
}

var providerOptions = []providerOption{
	{config.ProviderAuto, "Auto", "Ollama when reachable, then OpenAI, then Anthropic"},
	{config.ProviderOllama, "Ollama", "local models, no key needed"},
	{config.ProviderOpenAI, "OpenAI", "needs an API key"},
	{config.ProviderAnthropic, "Anthropic", "needs an API key"},
}

type setupKeys struct {
	Up   key.Binding
	Down key.Binding
	Next key.Binding
	Back key.Binding
	Quit key.Binding
}

var defaultSetupKeys = setupKeys{
	Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Next: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "continue")),
	Back: key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Quit: key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	focusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(1, 2).Width(64)
)

// ModelLister returns the models an Ollama server has pulled.
type ModelLister func(host string) []string

type setupModel struct {
	keys     setupKeys
	step     setupStep
	history  []setupStep
	cursor   int
	input    textinput.Model
	settings config.Settings
	models   []string
	listAt   ModelLister
	errMsg   string
	note     string
	done     bool
	quitting bool
}

func newSetupModel(current config.Settings, lister ModelLister) setupModel {
	if lister == nil {
		lister = DiscoverOllamaModels
	}
	m := setupModel{
		keys:     defaultSetupKeys,
		settings: current,
		listAt:   lister,
		input:    textinput.New(),
	}
	m.enter(stepToken)
	return m
}

// enter prepares the input or cursor for step s.
func (m *setupModel) enter(s setupStep) {
	m.step = s
	m.errMsg = ""
	m.input.Reset()
	m.input.EchoMode = textinput.EchoNormal
	m.input.Placeholder = ""
	m.input.Prompt = "> "
	m.input.Blur()

	switch s {
	case stepToken:
		m.input.EchoMode = textinput.EchoPassword
		m.input.EchoCharacter = '•'
		m.input.Placeholder = "123456789:AA..."
		m.input.SetValue(m.settings.TelegramBotToken)
		m.input.Focus()
	case stepProvider:
		m.cursor = 0
		for i, p := range providerOptions {
			if p.id == m.settings.LLMProvider {
				m.cursor = i
			}
		}
	case stepOllamaHost:
		m.input.Placeholder = config.DefaultOllamaHost
		m.input.SetValue(m.settings.OllamaHost)
		m.input.Focus()
	case stepOllamaModel:
		m.cursor = 0
		for i, name := range m.models {
			if name == m.settings.OllamaModel {
				m.cursor = i
			}
		}
	case stepAPIKey:
		m.input.EchoMode = textinput.EchoPassword
		m.input.EchoCharacter = '•'
		m.input.Placeholder = "leave empty to keep the current key"
		m.input.Focus()
	case stepJail:
		m.input.Placeholder = "~"
		m.input.SetValue(m.settings.FileJailPath)
		m.input.Focus()
	}
}

func (m *setupModel) advance(next setupStep) {
	m.history = append(m.history, m.step)
	m.enter(next)
}

func (m setupModel) textStep() bool {
	switch m.step {
	case stepToken, stepOllamaHost, stepAPIKey, stepJail:
		return true
	}
	return false
}

func (m setupModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m setupModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		if m.textStep() {
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	switch {
	case key.Matches(keyMsg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(keyMsg, m.keys.Back):
		if n := len(m.history); n > 0 {
			prev := m.history[n-1]
			m.history = m.history[:n-1]
			m.enter(prev)
		}
		return m, nil
	case key.Matches(keyMsg, m.keys.Next):
		return m.next()
	}

	if m.textStep() {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	switch {
	case key.Matches(keyMsg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(keyMsg, m.keys.Down):
		if m.cursor < m.optionCount()-1 {
			m.cursor++
		}
	}
	return m, nil
}

func (m setupModel) optionCount() int {
	switch m.step {
	case stepProvider:
		return len(providerOptions)
	case stepOllamaModel:
		return len(m.models)
	}
	return 0
}

func (m setupModel) next() (tea.Model, tea.Cmd) {
	value := strings.TrimSpace(m.input.Value())

	switch m.step {
	case stepToken:
		token := sanitizeSecret(value)
		if token != "" && !looksLikeBotToken(token) {
			m.errMsg = "That does not look like a bot token (expected 123456789:AA...)."
			return m, nil
		}
		m.settings.TelegramBotToken = token
		m.advance(stepProvider)

	case stepProvider:
		m.settings.LLMProvider = providerOptions[m.cursor].id
		switch m.settings.LLMProvider {
		case config.ProviderOpenAI, config.ProviderAnthropic:
			m.advance(stepAPIKey)
		default:
			m.advance(stepOllamaHost)
		}

	case stepOllamaHost:
		if value == "" {
			value = config.DefaultOllamaHost
		}
		m.settings.OllamaHost = strings.TrimSuffix(value, "/")
		m.models = m.listAt(m.settings.OllamaHost)
		if len(m.models) == 0 {
			m.note = fmt.Sprintf("No models found at %s, keeping %s.", m.settings.OllamaHost, m.settings.OllamaModel)
			m.advance(stepJail)
			return m, nil
		}
		m.note = ""
		m.advance(stepOllamaModel)

	case stepOllamaModel:
		m.settings.OllamaModel = m.models[m.cursor]
		m.advance(stepJail)

	case stepAPIKey:
		if k := sanitizeSecret(value); k != "" {
			if m.settings.LLMProvider == config.ProviderAnthropic {
				m.settings.AnthropicAPIKey = k
			} else {
				m.settings.OpenAIAPIKey = k
			}
		}
		m.advance(stepJail)

	case stepJail:
		if value == "" {
			value = "~"
		}
		fi, err := os.Stat(config.ExpandHome(value))
		if err != nil || !fi.IsDir() {
			m.errMsg = "Directory not found: " + value
			return m, nil
		}
		m.settings.FileJailPath = value
		m.advance(stepReview)

	case stepReview:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m setupModel) View() string {
	if m.quitting {
		return "  Setup cancelled.\n"
	}
	if m.done {
		return "\n  " + focusStyle.Render("Setup complete.") + " Run `gopaw` to start the gateway.\n\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("🐾 GoPaw Setup") + dimStyle.Render("  "+m.step.title()) + "\n\n")

	switch m.step {
	case stepToken:
		b.WriteString("Telegram bot token from @BotFather.\n")
		b.WriteString(dimStyle.Render("Leave empty to use only the web dashboard.") + "\n\n")
		b.WriteString(m.input.View() + "\n")

	case stepProvider:
		b.WriteString("Which model answers chat messages?\n\n")
		for i, p := range providerOptions {
			line := p.label + dimStyle.Render("  "+p.desc)
			if i == m.cursor {
				line = focusStyle.Render("> "+p.label) + dimStyle.Render("  "+p.desc)
			} else {
				line = "  " + line
			}
			b.WriteString(line + "\n")
		}

	case stepOllamaHost:
		b.WriteString("Ollama server URL:\n\n")
		b.WriteString(m.input.View() + "\n")

	case stepOllamaModel:
		b.WriteString("Pick a model:\n\n")
		for i, name := range m.models {
			if i == m.cursor {
				b.WriteString(focusStyle.Render("> "+name) + "\n")
			} else {
				b.WriteString("  " + name + "\n")
			}
		}

	case stepAPIKey:
		label := "OpenAI"
		if m.settings.LLMProvider == config.ProviderAnthropic {
			label = "Anthropic"
		}
		b.WriteString(label + " API key:\n\n")
		b.WriteString(m.input.View() + "\n")

	case stepJail:
		b.WriteString("Which directory may GoPaw browse and send files from?\n\n")
		b.WriteString(m.input.View() + "\n")

	case stepReview:
		b.WriteString(m.review())
	}

	if m.note != "" {
		b.WriteString("\n" + dimStyle.Render(m.note) + "\n")
	}
	if m.errMsg != "" {
		b.WriteString("\n" + errStyle.Render(m.errMsg) + "\n")
	}

	help := "[Enter] Continue  [Ctrl+C] Quit"
	if m.step == stepReview {
		help = "[Enter] Save  [Ctrl+C] Quit"
	}
	if len(m.history) > 0 {
		help = "[Esc] Back  " + help
	}
	b.WriteString("\n" + dimStyle.Render(help))
	return "\n" + boxStyle.Render(b.String()) + "\n"
}

func (m setupModel) review() string {
	s := m.settings
	token := "(web dashboard only)"
	if s.TelegramBotToken != "" {
		token = shared.MaskSecret(s.TelegramBotToken)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Telegram:  %s\n", token)
	fmt.Fprintf(&b, "Provider:  %s\n", s.LLMProvider)
	switch s.LLMProvider {
	case config.ProviderOpenAI:
		fmt.Fprintf(&b, "API key:   %s\n", shared.MaskSecret(s.OpenAIAPIKey))
	case config.ProviderAnthropic:
		fmt.Fprintf(&b, "API key:   %s\n", shared.MaskSecret(s.AnthropicAPIKey))
	default:
		fmt.Fprintf(&b, "Ollama:    %s (%s)\n", s.OllamaHost, s.OllamaModel)
	}
	fmt.Fprintf(&b, "Files:     %s\n", s.FileJailPath)
	if s.Paired() {
		fmt.Fprintf(&b, "Owner:     %d\n", s.AllowedUserID)
	} else {
		b.WriteString("Owner:     first person to send /start\n")
	}
	return b.String()
}

// sanitizeSecret strips quotes, brackets and a pasted NAME= prefix.
func sanitizeSecret(raw string) string {
	s := strings.Trim(strings.TrimSpace(raw), "[]\"'`")
	if i := strings.Index(s, "="); i >= 0 && !strings.ContainsAny(s[:i], " \t:") {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

func looksLikeBotToken(s string) bool {
	id, secret, ok := strings.Cut(s, ":")
	if !ok || id == "" || len(secret) < 20 {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DiscoverOllamaModels asks an Ollama server for its pulled models. It returns
// nil when the server cannot be reached.
func DiscoverOllamaModels(host string) []string {
	if host == "" {
		host = config.DefaultOllamaHost
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(strings.TrimSuffix(host, "/") + "/api/tags")
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil
	}
	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, m.Name)
	}
	return names
}

// RunSetup runs the setup wizard over current and returns the edited settings.
func RunSetup(ctx context.Context, current config.Settings) (config.Settings, error) {
	defer bestEffortResetTTY()

	p := tea.NewProgram(newSetupModel(current, nil), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		if ctx.Err() != nil {
			return current, ctx.Err()
		}
		return current, err
	}
	m, ok := final.(setupModel)
	if !ok || m.quitting || !m.done {
		return current, ErrSetupCancelled
	}
	return m.settings, nil
}

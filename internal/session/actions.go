package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-paw/internal/audit"
	"github.com/basket/go-paw/internal/config"
	"github.com/basket/go-paw/internal/jail"
	"github.com/basket/go-paw/internal/otel"
	"github.com/basket/go-paw/internal/pairing"
	"github.com/basket/go-paw/internal/protocol"
	"github.com/basket/go-paw/internal/stream"
	"github.com/basket/go-paw/internal/tools"
)

const (
	pairedText = "🐾 **GoPaw Connected!**\n\n" +
		"Your agent is now running on your machine.\n\n" +
		"Use the buttons below to control it, or just type a message to chat."
	welcomeBackText = "🐾 **Welcome back!**\n\nGoPaw is ready."
	agentOffText    = "🧠 **Agent Mode: OFF**\n\nBack to tool-only mode."

	panicTextTelegram  = "🛑 **PANIC ACTIVATED**\n\nAll agent processes stopped."
	panicTextDashboard = "🛑 PANIC: All agent processes stopped!"

	screenshotFailedText = "❌ Screenshot failed. Display might not be available."
	invalidKeyText       = "Invalid API key or provider"
)

// MaxDocumentSize is the largest file sent as a document.
const MaxDocumentSize = 50 << 20

func agentOnText(backend string) string {
	return "🧠 **Agent Mode: ON**\n\n" +
		"Backend: `" + backend + "`\n\n" +
		"Type your requests naturally. The agent has access to your shell and files.\n\n" +
		"Tap 🛑 Panic to stop at any time."
}

// tool runs one of the local tools.
func (s *Session) tool(ctx context.Context, req pairing.Requester, a protocol.Tool, sink stream.Sink) error {
	start := time.Now()
	defer func() {
		s.svc.Metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds(),
			otel.Attrs(otel.AttrToolName.String(a.Tool)))
	}()

	switch a.Tool {
	case protocol.ToolStatus:
		backend, _ := s.router.Detect(ctx)
		text := tools.Status(tools.StatusInput{
			JailRoot:   s.svc.Settings.Get().JailRoot(),
			AgentState: s.agent.State().String(),
			Backend:    string(backend),
			Now:        time.Now(),
		})
		return sink.Send(ctx, stream.Event{Kind: stream.KindStatus, Content: text})

	case protocol.ToolScreenshot:
		if s.transport == TransportTelegram {
			if err := stream.Reply(ctx, sink, "📸 Taking screenshot..."); err != nil {
				return err
			}
		}
		img, err := s.svc.Screenshot(ctx)
		if err != nil {
			s.toolFailed(ctx, a.Tool, err)
			return stream.Fail(ctx, sink, screenshotFailedText)
		}
		return sink.Send(ctx, stream.Event{Kind: stream.KindScreenshot}.
			With("image", base64.StdEncoding.EncodeToString(img)))

	case protocol.ToolFetch:
		return s.browse(ctx, protocol.Browse{Path: a.Path, Text: true}, sink)

	case protocol.ToolPanic:
		s.Panic(ctx, req)
		text := panicTextDashboard
		if s.transport == TransportTelegram {
			text = panicTextTelegram
		}
		return sink.Send(ctx, s.withKeyboard(stream.Message(text)))
	}
	return stream.Fail(ctx, sink, "Unknown tool: "+a.Tool)
}

func (s *Session) toolFailed(ctx context.Context, name string, err error) {
	s.svc.Metrics.ToolCallErrors.Add(ctx, 1, otel.Attrs(otel.AttrToolName.String(name)))
	s.logger.WarnContext(ctx, "tool failed", "tool", name, "error", err)
}

// updateSettings applies the set fields in one durable write before replying.
func (s *Session) updateSettings(ctx context.Context, req pairing.Requester, a protocol.UpdateSettings, sink stream.Sink) error {
	if a.AgentBackend != nil && !config.ValidAgentBackend(*a.AgentBackend) {
		return stream.Fail(ctx, sink, "Invalid agent backend: "+*a.AgentBackend)
	}
	if a.LLMProvider != nil && !config.ValidLLMProvider(*a.LLMProvider) {
		return stream.Fail(ctx, sink, "Invalid LLM provider: "+*a.LLMProvider)
	}
	err := s.svc.Settings.Update(func(st *config.Settings) error {
		setString(&st.AgentBackend, a.AgentBackend)
		setString(&st.LLMProvider, a.LLMProvider)
		setString(&st.AnthropicModel, a.AnthropicModel)
		setString(&st.OllamaHost, a.OllamaHost)
		setString(&st.OllamaModel, a.OllamaModel)
		setString(&st.OpenAIModel, a.OpenAIModel)
		if a.BypassPermissions != nil {
			st.BypassPermissions = *a.BypassPermissions
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "settings update failed", "error", err)
		return stream.Fail(ctx, sink, "❌ Could not save settings: "+err.Error())
	}
	audit.Record(ctx, audit.DecisionAllow, "settings.update", "owner", strconv.FormatInt(req.ID, 10))

	text := "⚙️ Settings updated"
	switch {
	case a.AgentBackend != nil && onlyAgentBackend(a):
		text = "✅ Agent backend set to: **" + *a.AgentBackend + "**"
	case a.LLMProvider != nil && onlyLLMProvider(a):
		text = "✅ LLM provider set to: **" + *a.LLMProvider + "**"
	}
	return stream.Reply(ctx, sink, text)
}

func setString(dst *string, v *string) {
	if v != nil && strings.TrimSpace(*v) != "" {
		*dst = strings.TrimSpace(*v)
	}
}

func onlyAgentBackend(a protocol.UpdateSettings) bool {
	a.AgentBackend = nil
	return a.Empty()
}

func onlyLLMProvider(a protocol.UpdateSettings) bool {
	a.LLMProvider = nil
	return a.Empty()
}

// saveAPIKey stores a provider key and selects that provider.
func (s *Session) saveAPIKey(ctx context.Context, req pairing.Requester, a protocol.SaveAPIKey, sink stream.Sink) error {
	key := strings.TrimSpace(a.Key)
	if key == "" || (a.Provider != config.ProviderAnthropic && a.Provider != config.ProviderOpenAI) {
		return stream.Fail(ctx, sink, invalidKeyText)
	}
	err := s.svc.Settings.Update(func(st *config.Settings) error {
		if a.Provider == config.ProviderAnthropic {
			st.AnthropicAPIKey = key
		} else {
			st.OpenAIAPIKey = key
		}
		st.LLMProvider = a.Provider
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "api key save failed", "provider", a.Provider, "error", err)
		return stream.Fail(ctx, sink, "❌ Could not save settings: "+err.Error())
	}
	audit.Record(ctx, audit.DecisionAllow, "settings.api_key", a.Provider, strconv.FormatInt(req.ID, 10))
	if a.Provider == config.ProviderAnthropic {
		return stream.Reply(ctx, sink, "✅ Anthropic API key saved!")
	}
	return stream.Reply(ctx, sink, "✅ OpenAI API key saved!")
}

// AgentStatus describes the session's agent inside SettingsView.
type AgentStatus struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}

// SettingsView is the content of a settings event. Keys are never included,
// only whether they are set.
type SettingsView struct {
	AgentBackend      string      `json:"agentBackend"`
	LLMProvider       string      `json:"llmProvider"`
	AnthropicModel    string      `json:"anthropicModel"`
	OllamaHost        string      `json:"ollamaHost"`
	OllamaModel       string      `json:"ollamaModel"`
	OpenAIModel       string      `json:"openaiModel"`
	BypassPermissions bool        `json:"bypassPermissions"`
	HasAnthropicKey   bool        `json:"hasAnthropicKey"`
	HasOpenAIKey      bool        `json:"hasOpenaiKey"`
	AgentActive       bool        `json:"agentActive"`
	AgentStatus       AgentStatus `json:"agentStatus"`
}

func (s *Session) settingsView() SettingsView {
	st := s.svc.Settings.Get()
	state := s.agent.State()
	backend := string(s.agent.Variant())
	if backend == "" {
		backend = st.AgentBackend
	}
	return SettingsView{
		AgentBackend:      st.AgentBackend,
		LLMProvider:       st.LLMProvider,
		AnthropicModel:    st.AnthropicModel,
		OllamaHost:        st.OllamaHost,
		OllamaModel:       st.OllamaModel,
		OpenAIModel:       st.OpenAIModel,
		BypassPermissions: st.BypassPermissions,
		HasAnthropicKey:   st.AnthropicAPIKey != "",
		HasOpenAIKey:      st.OpenAIAPIKey != "",
		AgentActive:       state.String() != "OFF",
		AgentStatus:       AgentStatus{Status: strings.ToLower(state.String()), Backend: backend},
	}
}

// FileError maps a jail error to the text shown to the user.
func FileError(err error) string {
	switch {
	case errors.Is(err, jail.ErrAccessDenied):
		return "Access denied: path outside allowed directory"
	case errors.Is(err, jail.ErrNotFound):
		return "Path does not exist"
	case errors.Is(err, jail.ErrNotDirectory):
		return "Not a directory"
	case errors.Is(err, jail.ErrPermission):
		return "Permission denied"
	}
	return "Could not read directory"
}

// browse lists a directory inside the jail. An empty path is the jail root;
// "~" and relative paths are taken from the home directory.
func (s *Session) browse(ctx context.Context, a protocol.Browse, sink stream.Sink) error {
	root := s.svc.Settings.Get().JailRoot()
	target := root
	if a.Path != "" {
		target = jail.ExpandRequest(a.Path, s.svc.HomeDir)
	}

	dir, err := jail.Resolve(target, root)
	var entries []jail.Entry
	if err == nil {
		entries, err = jail.List(dir, root)
	}
	if err != nil {
		if errors.Is(err, jail.ErrAccessDenied) {
			s.logger.WarnContext(ctx, "browse outside jail rejected", "path", target)
		}
		if a.Text {
			return stream.Reply(ctx, sink, "❌ "+FileError(err))
		}
		return sink.Send(ctx, stream.Event{Kind: stream.KindFiles}.With("error", FileError(err)))
	}

	display := jail.DisplayPath(dir, s.svc.HomeDir)
	if a.Text {
		return stream.Reply(ctx, sink, renderListing(display, entries))
	}
	ev := stream.Event{Kind: stream.KindFiles}.With("path", display).With("files", entries)
	if s.transport == TransportTelegram {
		ev = ev.With("dir", dir).With("parent", parentWithin(dir, root))
	}
	return sink.Send(ctx, ev)
}

// parentWithin returns dir's parent, or "" when dir is the jail root.
func parentWithin(dir, root string) string {
	canonRoot, err := jail.Resolve(root, root)
	if err != nil || dir == canonRoot {
		return ""
	}
	parent := filepath.Dir(dir)
	if !jail.IsSafe(parent, root) {
		return ""
	}
	return parent
}

func renderListing(display string, entries []jail.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📁 **%s**\n\n", display)
	if len(entries) == 0 {
		b.WriteString("(empty directory)")
		return b.String()
	}
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&b, "📁 %s/\n", e.Name)
		} else {
			fmt.Fprintf(&b, "📄 %s (%s)\n", e.Name, e.Size)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// sendFile validates a jailed file and hands its path to the sink as a
// document event. Directories are browsed instead.
func (s *Session) sendFile(ctx context.Context, a protocol.SendFile, sink stream.Sink) error {
	root := s.svc.Settings.Get().JailRoot()
	path, err := jail.Resolve(a.Path, root)
	if err != nil {
		return stream.Fail(ctx, sink, "❌ "+FileError(err))
	}
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return stream.Fail(ctx, sink, "❌ "+FileError(jail.ErrNotFound))
	case errors.Is(err, os.ErrPermission):
		return stream.Fail(ctx, sink, "❌ "+FileError(jail.ErrPermission))
	case err != nil:
		return stream.Fail(ctx, sink, "❌ "+err.Error())
	case fi.IsDir():
		return s.browse(ctx, protocol.Browse{Path: path}, sink)
	case !fi.Mode().IsRegular():
		return stream.Fail(ctx, sink, "❌ Not a regular file")
	case fi.Size() > MaxDocumentSize:
		return stream.Fail(ctx, sink, "❌ File too large to send (max 50 MB)")
	}
	return sink.Send(ctx, stream.Event{Kind: stream.KindDocument}.
		With("path", path).
		With("name", filepath.Base(path)).
		With("size", fi.Size()))
}

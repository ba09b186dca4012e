package channels

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-paw/internal/config"
	"github.com/basket/go-paw/internal/jail"
	"github.com/basket/go-paw/internal/session"
	"github.com/basket/go-paw/internal/stream"
)

// MaxMessageLength is Telegram's limit for one text message.
const MaxMessageLength = 4096

// telegramSink renders session events as bot messages. With edit set, file
// listings and the settings panel replace that message instead of adding one.
type telegramSink struct {
	ch     *TelegramChannel
	chatID int64
	edit   *tgbotapi.Message
}

func (s *telegramSink) Send(_ context.Context, ev stream.Event) error {
	switch ev.Kind {
	case stream.KindStreamStart, stream.KindStreamEnd:
		return nil
	case stream.KindCode:
		return s.text("```\n"+ev.Content+"\n```", nil)
	case stream.KindScreenshot:
		return s.photo(ev)
	case stream.KindDocument:
		path, _ := ev.Field("path").(string)
		doc := tgbotapi.NewDocument(s.chatID, tgbotapi.FilePath(path))
		_, err := s.ch.bot.Send(doc)
		return err
	case stream.KindFiles:
		return s.files(ev)
	case stream.KindSettings:
		view, ok := ev.Data.(session.SettingsView)
		if !ok {
			return fmt.Errorf("settings event carries %T", ev.Data)
		}
		return s.panel(settingsText(view), settingsKeyboard(view))
	}
	if ev.Content == "" {
		return nil
	}
	var markup any
	if ev.Field(stream.FieldKeyboard) == true {
		markup = mainKeyboard()
	}
	return s.text(ev.Content, markup)
}

// text sends content split at the message limit. Markdown that Telegram
// refuses is resent as plain text.
func (s *telegramSink) text(content string, markup any) error {
	parts := splitMessage(content, MaxMessageLength)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(s.chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if i == len(parts)-1 && markup != nil {
			msg.ReplyMarkup = markup
		}
		if _, err := s.ch.bot.Send(msg); err != nil {
			msg.ParseMode = ""
			if _, err := s.ch.bot.Send(msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *telegramSink) photo(ev stream.Event) error {
	encoded, _ := ev.Field("image").(string)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode screenshot: %w", err)
	}
	photo := tgbotapi.NewPhoto(s.chatID, tgbotapi.FileBytes{Name: "screenshot.png", Bytes: data})
	photo.Caption = "📸 Current screen"
	_, err = s.ch.bot.Send(photo)
	return err
}

// panel shows text with an inline keyboard, editing in place when possible.
func (s *telegramSink) panel(text string, kb tgbotapi.InlineKeyboardMarkup) error {
	if s.edit != nil {
		edit := tgbotapi.NewEditMessageTextAndMarkup(s.chatID, s.edit.MessageID, text, kb)
		edit.ParseMode = tgbotapi.ModeMarkdown
		if _, err := s.ch.bot.Send(edit); err == nil {
			return nil
		}
		edit.ParseMode = ""
		_, err := s.ch.bot.Send(edit)
		return err
	}
	msg := tgbotapi.NewMessage(s.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyMarkup = kb
	if _, err := s.ch.bot.Send(msg); err != nil {
		msg.ParseMode = ""
		_, err = s.ch.bot.Send(msg)
		return err
	}
	return nil
}

func (s *telegramSink) files(ev stream.Event) error {
	if msg, ok := ev.Field("error").(string); ok && msg != "" {
		if s.edit != nil {
			return s.panel("❌ "+msg, tgbotapi.NewInlineKeyboardMarkup(
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("OK", "noop"))))
		}
		return s.text("❌ "+msg, nil)
	}
	display, _ := ev.Field("path").(string)
	dir, _ := ev.Field("dir").(string)
	parent, _ := ev.Field("parent").(string)
	entries, _ := ev.Field("files").([]jail.Entry)
	return s.panel("📁 **"+display+"**", s.ch.paths.keyboard(dir, parent, entries))
}

func mainKeyboard() tgbotapi.ReplyKeyboardMarkup {
	return tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(ButtonStatus), tgbotapi.NewKeyboardButton(ButtonFetch)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(ButtonScreenshot), tgbotapi.NewKeyboardButton(ButtonPanic)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(ButtonAgentMode), tgbotapi.NewKeyboardButton(ButtonSettings)),
	)
}

func settingsText(v session.SettingsView) string {
	return "⚙️ **Settings**\n\n" +
		"Agent backend: `" + v.AgentBackend + "`\n" +
		"LLM provider: `" + v.LLMProvider + "`\n" +
		"Agent: " + v.AgentStatus.Status
}

func check(current, option string) string {
	if current == option {
		return "✅ "
	}
	return ""
}

func settingsKeyboard(v session.SettingsView) tgbotapi.InlineKeyboardMarkup {
	backend := func(label, value string) tgbotapi.InlineKeyboardButton {
		return tgbotapi.NewInlineKeyboardButtonData(check(v.AgentBackend, value)+label, "settings:backend:"+value)
	}
	llm := func(label, value string) tgbotapi.InlineKeyboardButton {
		return tgbotapi.NewInlineKeyboardButtonData(check(v.LLMProvider, value)+label, "settings:llm:"+value)
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🤖 Agent Backend", "noop")),
		tgbotapi.NewInlineKeyboardRow(
			backend("Open Interpreter", config.BackendOpenInterpreter),
			backend("Claude Code", config.BackendClaudeCode),
		),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🧠 LLM Provider", "noop")),
		tgbotapi.NewInlineKeyboardRow(
			llm("Auto", config.ProviderAuto),
			llm("Ollama", config.ProviderOllama),
		),
		tgbotapi.NewInlineKeyboardRow(
			llm("OpenAI", config.ProviderOpenAI),
			llm("Anthropic", config.ProviderAnthropic),
		),
	)
}

// splitMessage cuts text into pieces of at most limit runes, preferring to
// break after a newline.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// pathTokens maps short callback tokens to paths. Callback data is limited to
// 64 bytes, so listings carry tokens instead of paths. The oldest tokens are
// forgotten once the table is full.
type pathTokens struct {
	mu      sync.Mutex
	limit   int
	next    uint64
	entries map[string]pathEntry
	order   []string
}

type pathEntry struct {
	path  string
	isDir bool
}

func newPathTokens(limit int) *pathTokens {
	return &pathTokens{limit: limit, entries: make(map[string]pathEntry)}
}

func (p *pathTokens) add(path string, isDir bool) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	tok := strconv.FormatUint(p.next, 36)
	p.entries[tok] = pathEntry{path: path, isDir: isDir}
	p.order = append(p.order, tok)
	for len(p.order) > p.limit {
		delete(p.entries, p.order[0])
		p.order = p.order[1:]
	}
	return tok
}

func (p *pathTokens) lookup(tok string) (pathEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[tok]
	return e, ok
}

// keyboard builds the navigation buttons for one listing.
func (p *pathTokens) keyboard(dir, parent string, entries []jail.Entry) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	if parent != "" {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⬆️ ..", "fetch:"+p.add(parent, true))))
	}
	for _, e := range entries {
		full := filepath.Join(dir, e.Name)
		label := "📄 " + e.Name + " (" + e.Size + ")"
		if e.IsDir {
			label = "📁 " + e.Name
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "fetch:"+p.add(full, e.IsDir))))
	}
	if len(entries) == 0 {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("(empty directory)", "noop")))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-paw/internal/bus"
	"github.com/basket/go-paw/internal/pairing"
	"github.com/basket/go-paw/internal/protocol"
	"github.com/basket/go-paw/internal/session"
	"github.com/basket/go-paw/internal/stream"
)

// Reply keyboard labels.
const (
	ButtonStatus     = "🟢 Status"
	ButtonFetch      = "📁 Fetch"
	ButtonScreenshot = "📸 Screenshot"
	ButtonPanic      = "🛑 Panic"
	ButtonAgentMode  = "🧠 Agent Mode"
	ButtonSettings   = "⚙️ Settings"
)

const (
	maxQueuedUpdates = 64
	expiredText      = "Listing expired. Tap 📁 Fetch again."
)

// BotAPI is the part of *tgbotapi.BotAPI the channel uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type TelegramConfig struct {
	Token    string
	Services session.Services
	Bus      *bus.Bus
	Logger   *slog.Logger
	// Bot replaces the real client; nil connects with Token.
	Bot BotAPI
}

// TelegramChannel implements the Channel interface for Telegram. Updates run
// one at a time on a worker; panic and agent-off run on the poll goroutine so
// a kill never waits behind a running agent.
type TelegramChannel struct {
	token    string
	services session.Services
	logger   *slog.Logger
	bot      BotAPI
	eventBus *bus.Bus

	session *session.Session
	paths   *pathTokens
	queue   chan func(context.Context)
}

func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Services.Logger == nil {
		cfg.Services.Logger = cfg.Logger
	}
	return &TelegramChannel{
		token:    cfg.Token,
		services: cfg.Services,
		logger:   cfg.Logger.With("component", "telegram"),
		bot:      cfg.Bot,
		eventBus: cfg.Bus,
		session:  session.New(session.TransportTelegram, cfg.Services),
		paths:    newPathTokens(512),
		queue:    make(chan func(context.Context), maxQueuedUpdates),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Close releases the channel's session.
func (t *TelegramChannel) Close() {
	t.session.Close()
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.bot == nil {
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		t.logger.Info("telegram bot started", "user", bot.Self.UserName)
		t.bot = bot
	}

	go t.work(ctx)
	go t.watchEvents(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// The library blocks rather than closing the channel on a dead connection.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			t.dispatchUpdate(ctx, update)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// work runs queued updates in arrival order.
func (t *TelegramChannel) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-t.queue:
			job(ctx)
		}
	}
}

// dispatchUpdate turns an update into a job, running kills immediately and
// queueing everything else.
func (t *TelegramChannel) dispatchUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.From != nil && update.Message.Chat != nil:
		msg := update.Message
		action, ok := t.messageAction(msg.Text)
		if !ok {
			return
		}
		req := pairing.Requester{ID: msg.From.ID}
		sink := &telegramSink{ch: t, chatID: msg.Chat.ID}
		if protocol.OutOfBand(action) {
			t.handle(ctx, req, action, sink)
			return
		}
		t.enqueue(ctx, sink, func(ctx context.Context) { t.handle(ctx, req, action, sink) })

	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		q := update.CallbackQuery
		t.enqueue(ctx, nil, func(ctx context.Context) { t.handleCallback(ctx, q) })
	}
}

func (t *TelegramChannel) enqueue(ctx context.Context, sink *telegramSink, job func(context.Context)) {
	select {
	case t.queue <- job:
	default:
		t.logger.Warn("telegram queue full, dropping update")
		if sink != nil {
			_ = stream.Fail(ctx, sink, "⏳ Too many pending requests. Try again shortly.")
		}
	}
}

// messageAction maps text, commands and keyboard buttons to an action.
func (t *TelegramChannel) messageAction(text string) (protocol.Action, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	if strings.HasPrefix(text, "/") {
		cmd := strings.TrimPrefix(strings.Fields(text)[0], "/")
		if i := strings.IndexByte(cmd, '@'); i >= 0 {
			cmd = cmd[:i]
		}
		switch strings.ToLower(cmd) {
		case "start":
			return protocol.Start{}, true
		case "status":
			text = ButtonStatus
		case "fetch":
			text = ButtonFetch
		case "screenshot":
			text = ButtonScreenshot
		case "panic":
			text = ButtonPanic
		case "agent":
			text = ButtonAgentMode
		case "settings":
			text = ButtonSettings
		}
	}
	switch text {
	case ButtonStatus:
		return protocol.Tool{Tool: protocol.ToolStatus}, true
	case ButtonFetch:
		return protocol.Browse{}, true
	case ButtonScreenshot:
		return protocol.Tool{Tool: protocol.ToolScreenshot}, true
	case ButtonPanic:
		return protocol.Tool{Tool: protocol.ToolPanic}, true
	case ButtonAgentMode:
		return protocol.ToggleAgent{}, true
	case ButtonSettings:
		return protocol.GetSettings{}, true
	}
	return protocol.Chat{Message: text}, true
}

func (t *TelegramChannel) handle(ctx context.Context, req pairing.Requester, action protocol.Action, sink stream.Sink) {
	err := t.session.Handle(ctx, req, action, sink)
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		t.logger.Debug("telegram update refused", "user_id", req.ID, "action", action.Name())
	case err != nil:
		t.logger.Error("telegram delivery failed", "action", action.Name(), "error", err)
	}
}

// handleCallback answers an inline button press. Listing and settings
// callbacks edit the message that carried the buttons.
func (t *TelegramChannel) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	req := pairing.Requester{ID: q.From.ID}
	data := q.Data
	var edit *tgbotapi.Message
	chatID := q.From.ID
	if q.Message != nil && q.Message.Chat != nil {
		edit = q.Message
		chatID = q.Message.Chat.ID
	}
	sink := &telegramSink{ch: t, chatID: chatID, edit: edit}

	switch {
	case data == "noop":
		t.answer(q.ID, "")

	case strings.HasPrefix(data, "fetch:"):
		entry, ok := t.paths.lookup(strings.TrimPrefix(data, "fetch:"))
		if !ok {
			t.answer(q.ID, expiredText)
			return
		}
		t.answer(q.ID, "")
		if entry.isDir {
			t.handle(ctx, req, protocol.Browse{Path: entry.path}, sink)
		} else {
			t.handle(ctx, req, protocol.SendFile{Path: entry.path}, &telegramSink{ch: t, chatID: chatID})
		}

	case strings.HasPrefix(data, "settings:"):
		action, ok := settingsAction(strings.TrimPrefix(data, "settings:"))
		if !ok {
			t.answer(q.ID, "")
			return
		}
		toast := &toastSink{}
		err := t.session.Handle(ctx, req, action, toast)
		t.answer(q.ID, toast.text)
		if err != nil {
			t.logger.Debug("telegram settings callback refused", "user_id", req.ID, "error", err)
			return
		}
		t.handle(ctx, req, protocol.GetSettings{}, sink)

	default:
		t.answer(q.ID, "")
	}
}

func settingsAction(data string) (protocol.Action, bool) {
	field, value, ok := strings.Cut(data, ":")
	if !ok || value == "" {
		return nil, false
	}
	switch field {
	case "backend":
		return protocol.UpdateSettings{AgentBackend: &value}, true
	case "llm":
		return protocol.UpdateSettings{LLMProvider: &value}, true
	}
	return nil, false
}

func (t *TelegramChannel) answer(id, text string) {
	if _, err := t.bot.Request(tgbotapi.NewCallback(id, text)); err != nil {
		t.logger.Warn("failed to answer callback", "error", err)
	}
}

// watchEvents delivers fired reminders to the owner.
func (t *TelegramChannel) watchEvents(ctx context.Context) {
	if t.eventBus == nil {
		return
	}
	sub := t.eventBus.Subscribe(bus.TopicReminderFired)
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			rem, ok := ev.Payload.(bus.ReminderFired)
			if !ok {
				continue
			}
			t.notifyOwner(ctx, "⏰ Reminder: "+rem.Text)
		}
	}
}

func (t *TelegramChannel) notifyOwner(ctx context.Context, text string) {
	if t.services.Settings == nil {
		return
	}
	owner := t.services.Settings.Get().AllowedUserID
	if owner == 0 {
		t.logger.Debug("no paired owner, dropping notification")
		return
	}
	sink := &telegramSink{ch: t, chatID: owner}
	if err := sink.Send(ctx, stream.Message(text)); err != nil {
		t.logger.Error("failed to notify owner", "error", err)
	}
}

// toastSink keeps the text of the last reply for a callback answer.
type toastSink struct {
	text string
}

func (s *toastSink) Send(_ context.Context, ev stream.Event) error {
	if ev.Content != "" {
		s.text = strings.ReplaceAll(ev.Content, "**", "")
	}
	return nil
}

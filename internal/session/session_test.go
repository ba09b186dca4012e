package session_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-paw/internal/agent"
	"github.com/basket/go-paw/internal/bus"
	"github.com/basket/go-paw/internal/config"
	"github.com/basket/go-paw/internal/cron"
	"github.com/basket/go-paw/internal/jail"
	"github.com/basket/go-paw/internal/llm"
	"github.com/basket/go-paw/internal/pairing"
	"github.com/basket/go-paw/internal/persistence"
	"github.com/basket/go-paw/internal/protocol"
	"github.com/basket/go-paw/internal/session"
	"github.com/basket/go-paw/internal/skills"
	"github.com/basket/go-paw/internal/stream"
)

const ownerID = 1001

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
	onSend func(stream.Event)
}

func (r *recorder) Send(_ context.Context, ev stream.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	hook := r.onSend
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return nil
}

func (r *recorder) all() []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stream.Event(nil), r.events...)
}

func (r *recorder) last(t *testing.T) stream.Event {
	t.Helper()
	all := r.all()
	if len(all) == 0 {
		t.Fatal("no events recorded")
	}
	return all[len(all)-1]
}

type replyProvider struct{ backend llm.Backend }

func (p replyProvider) Chat(_ context.Context, history []llm.Turn) (string, error) {
	return string(p.backend) + ": " + history[len(history)-1].Content, nil
}

type scriptedBackend struct {
	chunks  []agent.Chunk
	release chan struct{}
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Execute(ctx context.Context, _ string, emit agent.Emit) error {
	for i, c := range b.chunks {
		if i > 0 && b.release != nil {
			<-b.release
		}
		if err := emit(c); err != nil {
			return err
		}
	}
	return nil
}

func (b *scriptedBackend) Close() error { return nil }

type fixture struct {
	home     string
	jail     string
	store    *config.Store
	db       *persistence.Store
	agents   atomic.Int32
	backend  *scriptedBackend
	shotErr  error
	svc      session.Services
	skillDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	for _, k := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "TELEGRAM_BOT_TOKEN", "OLLAMA_HOST", "GOPAW_ALLOWED_USER_ID"} {
		t.Setenv(k, "")
	}
	f := &fixture{home: t.TempDir(), jail: t.TempDir(), skillDir: t.TempDir()}
	f.backend = &scriptedBackend{chunks: []agent.Chunk{
		{Kind: agent.ChunkMessage, Content: "listing files"},
		{Kind: agent.ChunkCode, Content: "ls -la"},
	}}

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	store, err := config.OpenStore(f.home)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Update(func(s *config.Settings) error {
		s.FileJailPath = f.jail
		s.SetupURL = closed.URL
		s.LLMProvider = config.ProviderOpenAI
		s.OpenAIAPIKey = "sk-test-openai"
		return nil
	}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	f.store = store

	db, err := persistence.Open(filepath.Join(f.home, "gopaw.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	f.db = db

	b := bus.New()
	agents := agent.FactoryFunc(func(context.Context, agent.Variant, config.Settings) (agent.Backend, error) {
		f.agents.Add(1)
		return f.backend, nil
	})
	intentions := cron.NewIntentions(cron.IntentionsConfig{Store: db, Bus: b, Factory: agents, Settings: store})
	t.Cleanup(intentions.Close)
	loader := skills.NewLoader([]skills.Dir{{Path: f.skillDir, Source: skills.SourceUser}}, nil)

	f.svc = session.Services{
		Settings:    store,
		Pairing:     pairing.New(store, nil),
		Reminders:   cron.NewReminders(db, b, nil),
		Intentions:  intentions,
		Skills:      loader,
		SkillRunner: skills.NewExecutor(skills.ExecutorConfig{Loader: loader, Factory: agents, Settings: store, Bus: b}),
		LLM: llm.ProviderFactoryFunc(func(_ context.Context, backend llm.Backend, _ config.Settings) (llm.Provider, error) {
			return replyProvider{backend: backend}, nil
		}),
		Agents: agents,
		Screenshot: func(context.Context) ([]byte, error) {
			if f.shotErr != nil {
				return nil, f.shotErr
			}
			return []byte("\x89PNG fake"), nil
		},
		HomeDir: f.jail,
	}
	return f
}

func (f *fixture) session(t *testing.T, transport session.Transport) *session.Session {
	t.Helper()
	s := session.New(transport, f.svc)
	t.Cleanup(s.Close)
	return s
}

func (f *fixture) bindOwner(t *testing.T) {
	t.Helper()
	if err := f.svc.Pairing.Bind(context.Background(), ownerID); err != nil {
		t.Fatalf("bind: %v", err)
	}
}

var owner = pairing.Requester{ID: ownerID}

func ptr[T any](v T) *T { return &v }

func TestHandle_StrangerDeniedWithZeroMutation(t *testing.T) {
	f := newFixture(t)
	f.bindOwner(t)
	s := f.session(t, session.TransportTelegram)
	before, err := os.ReadFile(f.store.Path())
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	stranger := pairing.Requester{ID: 666}
	actions := []protocol.Action{
		protocol.Chat{Message: "hello"},
		protocol.Tool{Tool: protocol.ToolStatus},
		protocol.Tool{Tool: protocol.ToolPanic},
		protocol.ToggleAgent{Active: ptr(true)},
		protocol.UpdateSettings{AgentBackend: ptr(config.BackendClaudeCode)},
		protocol.SaveAPIKey{Provider: "anthropic", Key: "sk-ant-stolen"},
		protocol.GetSettings{},
		protocol.Browse{Path: f.jail},
		protocol.SendFile{Path: f.store.Path()},
		protocol.AddReminder{Message: "in 5 minutes pwn"},
		protocol.CreateIntention{Prompt: "exfiltrate"},
		protocol.RunSkill{SkillName: "x"},
	}
	for _, a := range actions {
		rec := &recorder{}
		if err := s.Handle(context.Background(), stranger, a, rec); !errors.Is(err, session.ErrUnauthorized) {
			t.Fatalf("%s: err = %v", a.Name(), err)
		}
		if n := len(rec.all()); n != 0 {
			t.Fatalf("%s: stranger received %d events", a.Name(), n)
		}
	}

	rec := &recorder{}
	if err := s.Handle(context.Background(), stranger, protocol.Start{}, rec); !errors.Is(err, session.ErrUnauthorized) {
		t.Fatalf("start err = %v", err)
	}
	if got := rec.all(); len(got) != 1 || got[0].Content != pairing.DenialText {
		t.Fatalf("start events = %+v", got)
	}

	after, _ := os.ReadFile(f.store.Path())
	if string(before) != string(after) {
		t.Fatal("config.yaml changed after stranger actions")
	}
	if f.svc.Pairing.Owner() != ownerID {
		t.Fatalf("owner changed to %d", f.svc.Pairing.Owner())
	}
	if s.AgentActive() || f.agents.Load() != 0 {
		t.Fatal("agent was allocated for a stranger")
	}
	if list, _ := f.svc.Reminders.List(context.Background()); len(list) != 0 {
		t.Fatalf("reminders = %+v", list)
	}
	if list, _ := f.svc.Intentions.List(context.Background()); len(list) != 0 {
		t.Fatalf("intentions = %+v", list)
	}
}

func TestHandle_FirstContactPairsOnStartOnly(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, session.TransportTelegram)
	req := pairing.Requester{ID: 77}

	rec := &recorder{}
	if err := s.Handle(context.Background(), req, protocol.Chat{Message: "hi"}, rec); !errors.Is(err, session.ErrUnauthorized) {
		t.Fatalf("chat before pairing err = %v", err)
	}
	if len(rec.all()) != 0 || f.svc.Pairing.Owner() != 0 {
		t.Fatal("chat before /start must be ignored")
	}

	if err := s.Handle(context.Background(), req, protocol.Start{}, rec); err != nil {
		t.Fatalf("start: %v", err)
	}
	ev := rec.last(t)
	if !strings.Contains(ev.Content, "GoPaw Connected!") || ev.Field(stream.FieldKeyboard) != true {
		t.Fatalf("paired event = %+v", ev)
	}
	if f.svc.Pairing.Owner() != 77 {
		t.Fatalf("owner = %d", f.svc.Pairing.Owner())
	}

	if err := s.Handle(context.Background(), req, protocol.Start{}, rec); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !strings.Contains(rec.last(t).Content, "Welcome back!") {
		t.Fatalf("welcome = %+v", rec.last(t))
	}

	other := &recorder{}
	if err := s.Handle(context.Background(), pairing.Requester{ID: 78}, protocol.Start{}, other); !errors.Is(err, session.ErrUnauthorized) {
		t.Fatalf("late pairing err = %v", err)
	}
	if f.svc.Pairing.Owner() != 77 {
		t.Fatal("owner identity changed after bind")
	}
}

func TestHandle_LocalRequesterActsAsOwner(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, session.TransportWebSocket)
	rec := &recorder{}
	if err := s.Handle(context.Background(), pairing.Requester{Local: true}, protocol.Chat{Message: "ping"}, rec); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := rec.last(t); got.Kind != stream.KindMessage || got.Content != "openai: ping" {
		t.Fatalf("reply = %+v", got)
	}
}

func TestHandle_SettingsPersistBeforeReply(t *testing.T) {
	f := newFixture(t)
	f.bindOwner(t)
	s := f.session(t, session.TransportWebSocket)

	rec := &recorder{onSend: func(ev stream.Event) {
		disk, err := config.LoadFrom(f.home)
		if err != nil {
			t.Errorf("load during reply: %v", err)
			return
		}
		if disk.AgentBackend != config.BackendClaudeCode || !disk.BypassPermissions {
			t.Errorf("reply sent before persist: %+v", disk)
		}
	}}
	a := protocol.UpdateSettings{AgentBackend: ptr(config.BackendClaudeCode), BypassPermissions: ptr(true)}
	if err := s.Handle(context.Background(), owner, a, rec); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := rec.last(t); got.Content != "⚙️ Settings updated" {
		t.Fatalf("reply = %+v", got)
	}

	rec = &recorder{}
	if err := s.Handle(context.Background(), owner, protocol.UpdateSettings{LLMProvider: ptr("ollama")}, rec); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := rec.last(t).Content; got != "✅ LLM provider set to: **ollama**" {
		t.Fatalf("reply = %q", got)
	}

	rec = &recorder{}
	if err := s.Handle(context.Background(), owner, protocol.UpdateSettings{AgentBackend: ptr("skynet")}, rec); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := rec.last(t); got.Kind != stream.KindError {
		t.Fatalf("invalid backend reply = %+v", got)
	}
	if f.store.Get().AgentBackend != config.BackendClaudeCode {
		t.Fatal("invalid update was applied")
	}
}

func TestHandle_SettingsChangeInvalidatesDetectedBackend(t *testing.T) {
	f := newFixture(t)
	f.bindOwner(t)
	s := f.session(t, session.TransportWebSocket)
	ctx := context.Background()

	rec := &recorder{}
	_ = s.Handle(ctx, owner, protocol.Chat{Message: "one"}, rec)
	if got := rec.last(t).Content; got != "openai: one" {
		t.Fatalf("first reply = %q", got)
	}

	if err := s.Handle(ctx, owner, protocol.SaveAPIKey{Provider: "anthropic", Key: "sk-ant-test"}, rec); err != nil {
		t.Fatalf("save key: %v", err)
	}
	if got := rec.last(t).Content; got != "✅ Anthropic API key saved!" {
		t.Fatalf("save reply = %q", got)
	}

	_ = s.Handle(ctx, owner, protocol.Chat{Message: "two"}, rec)
	if got := rec.last(t).Content; got != "anthropic: two" {
		t.Fatalf("reply after provider change = %q", got)
	}

	_ = s.Handle(ctx, owner, protocol.SaveAPIKey{Provider: "gemini", Key: "x"}, rec)
	if got := rec.last(t); got.Kind != stream.KindError || got.Content != "Invalid API key or provider" {
		t.Fatalf("invalid key reply = %+v", got)
	}
}

func TestHandle_GetSettingsHidesKeys(t *testing.T) {
	f := newFixture(t)
	f.bindOwner(t)
	s := f.session(t, session.TransportWebSocket)
	rec := &recorder{}
	if err := s.Handle(context.Background(), owner, protocol.GetSettings{}, rec); err != nil {
		t.Fatalf("handle: %v", err)
	}
	view, ok := rec.last(t).Data.(session.SettingsView)
	if !ok {
		t.Fatalf("data = %T", rec.last(t).Data)
	}
	if !view.HasOpenAIKey || view.HasAnthropicKey || view.LLMProvider != "openai" || view.AgentActive {
		t.Fatalf("view = %+v", view)
	}
	if view.AgentStatus.Status != "off" || view.AgentStatus.Backend != config.BackendOpenInterpreter {
		t.Fatalf("agent status = %+v", view.AgentStatus)
	}
}

func TestHandle_AgentModeChatAndPanic(t *testing.T) {
	f := newFixture(t)
	f.bindOwner(t)
	s := f.session(t, session.TransportTelegram)
	ctx := context.Background()

	rec := &recorder{}
	if err := s.Handle(ctx, owner, protocol.ToggleAgent{}, rec); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if got := rec.last(t); got.Kind != stream.KindNotification || !strings.Contains(got.Content, "Backend: `open_interpreter`") {
		t.Fatalf("toggle reply = %+v", got)
	}
	if !s.AgentActive() {
		t.Fatal("agent not active")
	}

	rec = &recorder{}
	if err := s.Handle(ctx, owner, protocol.Chat{Message: "list files"}, rec); err != nil {
		t.Fatalf("chat: %v", err)
	}
	var kinds []string
	for _, ev := range rec.all() {
		kinds = append(kinds, ev.Kind)
	}
	if strings.Join(kinds, ",") != "message,stream_start,message,code,stream_end" {
		t.Fatalf("kinds = %v", kinds)
	}
	if rec.all()[0].Content != "🧠 Thinking..." {
		t.Fatalf("first = %+v", rec.all()[0])
	}

	rec = &recorder{}
	if err := s.Handle(ctx, owner, protocol.Tool{Tool: protocol.ToolPanic}, rec); err != nil {
		t.Fatalf("panic: %v", err)
	}
	if got := rec.last(t).Content; !strings.Contains(got, "PANIC ACTIVATED") {
		t.Fatalf("panic reply = %q", got)
	}
	if s.AgentActive() {
		t.Fatal("agent still active after panic")
	}

	rec = &recorder{}
	_ = s.Handle(ctx, owner, protocol.Chat{Message: "hello"}, rec)
	if got := rec.last(t).Content; got != "openai: hello" {
		t.Fatalf("chat after panic = %q", got)
	}
}

func TestPanic_CutsSkillOutput(t *testing.T) {
	f := newFixture(t)
	f.bindOwner(t)
	f.backend = &scriptedBackend{
		chunks: []agent.Chunk{
			{Kind: agent.ChunkMessage, Content: "first"},
			{Kind: agent.ChunkMessage, Content: "second"},
		},
		release: make(chan struct{}),
	}
	if err := os.MkdirAll(filepath.Join(f.skillDir, "slow"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.skillDir, "slow", "SKILL.md"), []byte("Do it slowly."), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Skills.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	s := f.session(t, session.TransportWebSocket)

	firstSeen := make(chan struct{})
	var once sync.Once
	rec := &recorder{onSend: func(ev stream.Event) {
		if ev.Content == "first" {
			once.Do(func() { close(firstSeen) })
		}
	}}
	done := make(chan error, 1)
	go func() { done <- s.Handle(context.Background(), owner, protocol.RunSkill{SkillName: "slow"}, rec) }()

	select {
	case <-firstSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("first chunk never delivered")
	}
	s.Panic(context.Background(), owner)
	close(f.backend.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run_skill: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("skill run did not finish after panic")
	}
	for _, ev := range rec.all() {
		if ev.Content == "second" {
			t.Fatal("chunk delivered after panic")
		}
	}
}

func TestHandle_ToolsAndFiles(t *testing.T) {
	f := newFixture(t)
	f.bindOwner(t)
	if err := os.MkdirAll(filepath.Join(f.jail, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.jail, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.jail, ".secret"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := f.session(t, session.TransportWebSocket)
	ctx := context.Background()

	rec := &recorder{}
	_ = s.Handle(ctx, owner, protocol.Browse{Path: "~"}, rec)
	ev := rec.last(t)
	if ev.Kind != stream.KindFiles || ev.Field("path") != "~" {
		t.Fatalf("browse = %+v", ev)
	}
	if ev.Field("dir") != nil {
		t.Fatal("dashboard listing should not carry bot navigation fields")
	}
	files := ev.Field("files").([]jail.Entry)
	if len(files) != 2 || files[0].Name != "docs" || !files[0].IsDir || files[1].Size != "5 B" {
		t.Fatalf("files = %+v", files)
	}

	_ = s.Handle(ctx, owner, protocol.Browse{Path: "/"}, rec)
	if got := rec.last(t).Field("error"); got != "Access denied: path outside allowed directory" {
		t.Fatalf("outside jail = %v", got)
	}
	_ = s.Handle(ctx, owner, protocol.Browse{Path: "missing"}, rec)
	if got := rec.last(t).Field("error"); got != "Path does not exist" {
		t.Fatalf("missing = %v", got)
	}
	_ = s.Handle(ctx, owner, protocol.Browse{Path: "notes.txt"}, rec)
	if got := rec.last(t).Field("error"); got != "Not a directory" {
		t.Fatalf("file browse = %v", got)
	}

	_ = s.Handle(ctx, owner, protocol.Tool{Tool: protocol.ToolFetch}, rec)
	if got := rec.last(t); got.Kind != stream.KindMessage || !strings.Contains(got.Content, "📁 docs/") || !strings.Contains(got.Content, "📄 notes.txt (5 B)") {
		t.Fatalf("fetch = %+v", got)
	}

	_ = s.Handle(ctx, owner, protocol.Tool{Tool: protocol.ToolStatus}, rec)
	if got := rec.last(t); got.Kind != stream.KindStatus || got.Content == "" {
		t.Fatalf("status = %+v", got)
	}

	_ = s.Handle(ctx, owner, protocol.Tool{Tool: protocol.ToolScreenshot}, rec)
	if got := rec.last(t); got.Kind != stream.KindScreenshot || got.Field("image") != base64.StdEncoding.EncodeToString([]byte("\x89PNG fake")) {
		t.Fatalf("screenshot = %+v", got)
	}
	f.shotErr = errors.New("no display")
	_ = s.Handle(ctx, owner, protocol.Tool{Tool: protocol.ToolScreenshot}, rec)
	if got := rec.last(t); got.Kind != stream.KindError {
		t.Fatalf("screenshot failure = %+v", got)
	}
}

func TestHandle_SendFileStaysInJail(t *testing.T) {
	f := newFixture(t)
	f.bindOwner(t)
	path := filepath.Join(f.jail, "report.pdf")
	if err := os.WriteFile(path, []byte("%PDF"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := f.session(t, session.TransportTelegram)
	rec := &recorder{}

	_ = s.Handle(context.Background(), owner, protocol.SendFile{Path: path}, rec)
	ev := rec.last(t)
	if ev.Kind != stream.KindDocument || ev.Field("name") != "report.pdf" {
		t.Fatalf("document = %+v", ev)
	}

	_ = s.Handle(context.Background(), owner, protocol.SendFile{Path: f.store.Path()}, rec)
	if got := rec.last(t); got.Kind != stream.KindError || !strings.Contains(got.Content, "Access denied") {
		t.Fatalf("outside jail = %+v", got)
	}

	_ = s.Handle(context.Background(), owner, protocol.SendFile{Path: f.jail}, rec)
	if got := rec.last(t); got.Kind != stream.KindFiles || got.Field("parent") != "" {
		t.Fatalf("directory send = %+v", got)
	}
}

func TestHandle_RemindersIntentionsSkills(t *testing.T) {
	f := newFixture(t)
	f.bindOwner(t)
	s := f.session(t, session.TransportWebSocket)
	ctx := context.Background()
	rec := &recorder{}

	_ = s.Handle(ctx, owner, protocol.AddReminder{Message: "sometime buy milk"}, rec)
	if got := rec.last(t); got.Kind != stream.KindError || !strings.HasPrefix(got.Content, "Could not parse time") {
		t.Fatalf("unparseable = %+v", got)
	}
	_ = s.Handle(ctx, owner, protocol.AddReminder{Message: "remind me in 5 minutes to stretch"}, rec)
	added := rec.last(t)
	if added.Kind != stream.KindReminderAdded {
		t.Fatalf("added = %+v", added)
	}
	view := added.Field("reminder").(cron.ReminderView)
	if view.Text != "stretch" || view.TimeRemaining == "" {
		t.Fatalf("reminder = %+v", view)
	}
	_ = s.Handle(ctx, owner, protocol.GetReminders{}, rec)
	if list := rec.last(t).Field("reminders").([]cron.ReminderView); len(list) != 1 {
		t.Fatalf("reminders = %+v", list)
	}
	_ = s.Handle(ctx, owner, protocol.DeleteReminder{ID: view.ID}, rec)
	if got := rec.last(t); got.Kind != stream.KindReminderDeleted || got.Field("id") != view.ID {
		t.Fatalf("deleted = %+v", got)
	}
	_ = s.Handle(ctx, owner, protocol.DeleteReminder{ID: view.ID}, rec)
	if got := rec.last(t).Content; got != "Reminder not found" {
		t.Fatalf("second delete = %q", got)
	}

	_ = s.Handle(ctx, owner, protocol.CreateIntention{IntentionName: "digest", Prompt: "summarize", Trigger: &protocol.Trigger{Type: "cron", Schedule: "bad"}}, rec)
	if got := rec.last(t).Content; !strings.HasPrefix(got, "Failed to create intention:") {
		t.Fatalf("bad create = %q", got)
	}
	_ = s.Handle(ctx, owner, protocol.CreateIntention{IntentionName: "digest", Prompt: "summarize"}, rec)
	in := rec.last(t).Field("intention").(persistence.Intention)
	_ = s.Handle(ctx, owner, protocol.ToggleIntention{ID: in.ID}, rec)
	if got := rec.last(t).Field("intention").(persistence.Intention); got.Enabled {
		t.Fatalf("toggled = %+v", got)
	}
	_ = s.Handle(ctx, owner, protocol.UpdateIntention{ID: "nope", Updates: protocol.IntentionUpdates{Name: ptr("x")}}, rec)
	if got := rec.last(t).Content; got != "Intention not found" {
		t.Fatalf("update missing = %q", got)
	}
	_ = s.Handle(ctx, owner, protocol.RunIntention{ID: in.ID}, rec)
	if got := rec.all(); got[len(got)-1].Content != "🚀 Running intention: digest" {
		t.Fatalf("run = %+v", got[len(got)-1])
	}
	_ = s.Handle(ctx, owner, protocol.RunIntention{ID: "nope"}, rec)
	if got := rec.last(t).Content; got != "Intention not found" {
		t.Fatalf("run missing = %q", got)
	}

	_ = s.Handle(ctx, owner, protocol.GetSkills{}, rec)
	if got := rec.last(t); got.Kind != stream.KindSkills || len(got.Field("skills").([]skills.Skill)) != 0 {
		t.Fatalf("skills = %+v", got)
	}
	_ = s.Handle(ctx, owner, protocol.RunSkill{SkillName: "ghost"}, rec)
	if got := rec.last(t).Content; got != "Skill not found: ghost" {
		t.Fatalf("missing skill = %q", got)
	}
}

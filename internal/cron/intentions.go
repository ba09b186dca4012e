package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-paw/internal/agent"
	"github.com/basket/go-paw/internal/bus"
	"github.com/basket/go-paw/internal/persistence"
	"github.com/basket/go-paw/internal/tools"
)

// Intention run phases published on the bus.
const (
	PhaseStart    = "start"
	PhaseChunk    = "chunk"
	PhaseComplete = "complete"
	PhaseError    = "error"
)

// Context sources an intention can request.
const (
	SourceSystemStatus = "system_status"
	SourceDatetime     = "datetime"
)

const defaultSchedule = "0 9 * * *"

var (
	ErrInvalidSchedule = errors.New("invalid cron schedule")
	ErrInvalidTrigger  = errors.New("unsupported trigger type")
	ErrEmptyPrompt     = errors.New("prompt is required")
	ErrUnknownSource   = errors.New("unknown context source")
	ErrAlreadyRunning  = errors.New("intention is already running")
)

// NewIntention is the input to Create. Nil fields take defaults.
type NewIntention struct {
	Name           string
	Prompt         string
	Trigger        *persistence.Trigger
	ContextSources []string
	Enabled        *bool
}

// IntentionPatch changes only the non-nil fields.
type IntentionPatch struct {
	Name           *string
	Prompt         *string
	Trigger        *persistence.Trigger
	ContextSources *[]string
	Enabled        *bool
}

// IntentionsConfig wires the intention service.
type IntentionsConfig struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Factory  agent.Factory
	Settings agent.SettingsSource
	Logger   *slog.Logger
	Now      func() time.Time
}

// Intentions stores scheduled prompts and runs them through a fresh agent
// backend each time, publishing progress on the bus.
type Intentions struct {
	store    *persistence.Store
	bus      *bus.Bus
	factory  agent.Factory
	settings agent.SettingsSource
	logger   *slog.Logger
	now      func() time.Time

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool
}

func NewIntentions(cfg IntentionsConfig) *Intentions {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	root, cancel := context.WithCancel(context.Background())
	return &Intentions{
		store:    cfg.Store,
		bus:      cfg.Bus,
		factory:  cfg.Factory,
		settings: cfg.Settings,
		logger:   logger.With("component", "intentions"),
		now:      now,
		root:     root,
		cancel:   cancel,
		running:  make(map[string]bool),
	}
}

// Close cancels in-flight runs and waits for them to finish.
func (i *Intentions) Close() {
	i.cancel()
	i.wg.Wait()
}

func (i *Intentions) Create(ctx context.Context, req NewIntention) (persistence.Intention, error) {
	trigger := persistence.Trigger{Type: "cron", Schedule: defaultSchedule}
	if req.Trigger != nil {
		trigger = *req.Trigger
	}
	if err := validateTrigger(&trigger); err != nil {
		return persistence.Intention{}, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return persistence.Intention{}, ErrEmptyPrompt
	}
	if err := validateSources(req.ContextSources); err != nil {
		return persistence.Intention{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Unnamed"
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	now := i.now()
	in := persistence.Intention{
		ID:             uuid.NewString()[:8],
		Name:           name,
		Prompt:         req.Prompt,
		Trigger:        trigger,
		ContextSources: append([]string{}, req.ContextSources...),
		Enabled:        enabled,
		CreatedAt:      now,
	}
	if enabled {
		in.NextRun = nextRun(trigger.Schedule, now)
	}
	if err := i.store.CreateIntention(ctx, in); err != nil {
		return persistence.Intention{}, err
	}
	i.logger.Info("intention created", "id", in.ID, "name", in.Name, "schedule", trigger.Schedule)
	return in, nil
}

func (i *Intentions) Get(ctx context.Context, id string) (persistence.Intention, error) {
	return i.store.GetIntention(ctx, id)
}

func (i *Intentions) List(ctx context.Context) ([]persistence.Intention, error) {
	return i.store.ListIntentions(ctx)
}

// Update applies patch. A schedule change or re-enable recomputes the next run.
func (i *Intentions) Update(ctx context.Context, id string, patch IntentionPatch) (persistence.Intention, error) {
	in, err := i.store.GetIntention(ctx, id)
	if err != nil {
		return persistence.Intention{}, err
	}
	reschedule := false
	if patch.Name != nil {
		in.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Prompt != nil {
		if strings.TrimSpace(*patch.Prompt) == "" {
			return persistence.Intention{}, ErrEmptyPrompt
		}
		in.Prompt = *patch.Prompt
	}
	if patch.Trigger != nil {
		t := *patch.Trigger
		if err := validateTrigger(&t); err != nil {
			return persistence.Intention{}, err
		}
		in.Trigger = t
		reschedule = true
	}
	if patch.ContextSources != nil {
		if err := validateSources(*patch.ContextSources); err != nil {
			return persistence.Intention{}, err
		}
		in.ContextSources = append([]string{}, (*patch.ContextSources)...)
	}
	if patch.Enabled != nil && *patch.Enabled != in.Enabled {
		in.Enabled = *patch.Enabled
		reschedule = true
	}
	if reschedule {
		i.schedule(&in)
	}
	if err := i.store.UpdateIntention(ctx, in); err != nil {
		return persistence.Intention{}, err
	}
	return in, nil
}

// Toggle flips Enabled.
func (i *Intentions) Toggle(ctx context.Context, id string) (persistence.Intention, error) {
	in, err := i.store.GetIntention(ctx, id)
	if err != nil {
		return persistence.Intention{}, err
	}
	in.Enabled = !in.Enabled
	i.schedule(&in)
	if err := i.store.UpdateIntention(ctx, in); err != nil {
		return persistence.Intention{}, err
	}
	return in, nil
}

func (i *Intentions) Delete(ctx context.Context, id string) error {
	return i.store.DeleteIntention(ctx, id)
}

// RunNow starts id in the background and returns it. Progress is published
// as intention chunk events.
func (i *Intentions) RunNow(ctx context.Context, id string) (persistence.Intention, error) {
	in, err := i.store.GetIntention(ctx, id)
	if err != nil {
		return persistence.Intention{}, err
	}
	if !i.start(in) {
		return in, ErrAlreadyRunning
	}
	now := i.now()
	if err := i.store.MarkIntentionRun(ctx, in.ID, now, in.NextRun); err != nil {
		i.logger.Warn("record manual intention run", "id", in.ID, "error", err)
	} else {
		in.LastRun = &now
	}
	return in, nil
}

// RunDue starts every due enabled intention and advances its schedule.
func (i *Intentions) RunDue(ctx context.Context) (int, error) {
	now := i.now()
	due, err := i.store.DueIntentions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("query due intentions: %w", err)
	}
	started := 0
	for _, in := range due {
		if err := i.store.MarkIntentionRun(ctx, in.ID, now, nextRun(in.Trigger.Schedule, now)); err != nil {
			i.logger.Error("advance intention schedule", "id", in.ID, "error", err)
			continue
		}
		if i.start(in) {
			started++
		}
	}
	return started, nil
}

func (i *Intentions) schedule(in *persistence.Intention) {
	if in.Enabled {
		in.NextRun = nextRun(in.Trigger.Schedule, i.now())
	} else {
		in.NextRun = nil
	}
}

func (i *Intentions) start(in persistence.Intention) bool {
	i.mu.Lock()
	if i.running[in.ID] {
		i.mu.Unlock()
		return false
	}
	i.running[in.ID] = true
	i.mu.Unlock()

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer func() {
			i.mu.Lock()
			delete(i.running, in.ID)
			i.mu.Unlock()
		}()
		i.run(i.root, in)
	}()
	return true
}

func (i *Intentions) run(ctx context.Context, in persistence.Intention) {
	publish := func(phase string, kind agent.ChunkKind, content string) {
		i.bus.Publish(bus.TopicIntentionChunk, bus.IntentionChunk{
			IntentionID: in.ID,
			Name:        in.Name,
			Phase:       phase,
			Kind:        string(kind),
			Content:     content,
		})
	}
	logger := i.logger.With("intention_id", in.ID)
	publish(PhaseStart, agent.ChunkMessage, "🚀 Running intention: "+in.Name)

	s := i.settings.Get()
	backend, err := i.factory.New(ctx, agent.Variant(s.AgentBackend), s)
	if err != nil {
		logger.Error("allocate backend for intention", "error", err)
		publish(PhaseError, agent.ChunkMessage, err.Error())
		return
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("close intention backend", "error", err)
		}
	}()

	prompt := i.buildPrompt(in, s.JailRoot())
	err = backend.Execute(ctx, prompt, func(c agent.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		publish(PhaseChunk, c.Kind, c.Content)
		return nil
	})
	if err != nil {
		logger.Error("intention run failed", "error", err)
		publish(PhaseError, agent.ChunkMessage, err.Error())
		return
	}
	publish(PhaseComplete, agent.ChunkMessage, "")
	logger.Info("intention run complete")
}

func (i *Intentions) buildPrompt(in persistence.Intention, jailRoot string) string {
	var parts []string
	for _, src := range in.ContextSources {
		switch src {
		case SourceDatetime:
			parts = append(parts, "Current date and time: "+i.now().Format("Monday, 02 January 2006 15:04 MST"))
		case SourceSystemStatus:
			parts = append(parts, tools.Status(tools.StatusInput{JailRoot: jailRoot, Now: i.now()}))
		}
	}
	if len(parts) == 0 {
		return in.Prompt
	}
	return "Context:\n" + strings.Join(parts, "\n\n") + "\n\nTask: " + in.Prompt
}

func validateTrigger(t *persistence.Trigger) error {
	if t.Type == "" {
		t.Type = "cron"
	}
	if t.Type != "cron" {
		return fmt.Errorf("%w: %q", ErrInvalidTrigger, t.Type)
	}
	t.Schedule = strings.TrimSpace(t.Schedule)
	if _, err := cronParser.Parse(t.Schedule); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, t.Schedule, err)
	}
	return nil
}

func validateSources(sources []string) error {
	for _, s := range sources {
		if s != SourceSystemStatus && s != SourceDatetime {
			return fmt.Errorf("%w: %q", ErrUnknownSource, s)
		}
	}
	return nil
}

func nextRun(schedule string, after time.Time) *time.Time {
	next, err := NextRunTime(schedule, after)
	if err != nil {
		return nil
	}
	return &next
}

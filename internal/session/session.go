// Package session authorizes inbound actions and dispatches them to tools,
// settings, the chat router, the agent controller and the background services.
// Both transports drive the same Session type.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-paw/internal/agent"
	"github.com/basket/go-paw/internal/audit"
	"github.com/basket/go-paw/internal/config"
	"github.com/basket/go-paw/internal/cron"
	"github.com/basket/go-paw/internal/llm"
	"github.com/basket/go-paw/internal/otel"
	"github.com/basket/go-paw/internal/pairing"
	"github.com/basket/go-paw/internal/protocol"
	"github.com/basket/go-paw/internal/shared"
	"github.com/basket/go-paw/internal/skills"
	"github.com/basket/go-paw/internal/stream"
	"github.com/basket/go-paw/internal/tools"
)

// Transport names the front end a session serves.
type Transport string

const (
	TransportTelegram  Transport = "telegram"
	TransportWebSocket Transport = "websocket"
)

// ErrUnauthorized is returned by Handle when the requester may not act.
// Nothing was executed and nothing but the fixed denial was sent.
var ErrUnauthorized = errors.New("unauthorized")

// Services are the process-wide collaborators shared by every session.
// Optional services may be nil; their actions then answer with an error event.
type Services struct {
	Settings    *config.Store
	Pairing     *pairing.Manager
	Reminders   *cron.Reminders
	Intentions  *cron.Intentions
	Skills      *skills.Loader
	SkillRunner *skills.Executor

	LLM    llm.ProviderFactory
	Agents agent.Factory
	// Screenshot captures the screen; defaults to tools.Screenshot.
	Screenshot func(context.Context) ([]byte, error)
	// HomeDir anchors "~" in browse paths; defaults to the user's home.
	HomeDir    string
	HTTPClient *http.Client

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

// Session is one connection's state: its conversation and its agent.
type Session struct {
	id        string
	transport Transport
	svc       Services
	logger    *slog.Logger

	router *llm.Router
	agent  *agent.Controller
	cuts   cutter

	closeOnce   sync.Once
	unsubscribe func()
}

func New(transport Transport, svc Services) *Session {
	if svc.Logger == nil {
		svc.Logger = slog.Default()
	}
	if svc.Tracer == nil {
		svc.Tracer = otel.NoopTracer()
	}
	if svc.Metrics == nil {
		svc.Metrics = otel.NoopMetrics()
	}
	if svc.Screenshot == nil {
		svc.Screenshot = tools.Screenshot
	}
	if svc.HomeDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			svc.HomeDir = home
		}
	}
	if svc.Agents == nil {
		svc.Agents = agent.DefaultFactory{Logger: svc.Logger, HTTPClient: svc.HTTPClient}
	}

	id := uuid.NewString()
	logger := svc.Logger.With("component", "session", "session_id", id, "transport", string(transport))
	s := &Session{
		id:        id,
		transport: transport,
		svc:       svc,
		logger:    logger,
		router: llm.NewRouter(llm.RouterConfig{
			Settings:   svc.Settings,
			Factory:    svc.LLM,
			Logger:     logger,
			Tracer:     svc.Tracer,
			Metrics:    svc.Metrics,
			HTTPClient: svc.HTTPClient,
		}),
		agent: agent.NewController(agent.ControllerConfig{
			Settings: svc.Settings,
			Factory:  svc.Agents,
			Logger:   logger,
			Tracer:   svc.Tracer,
			Metrics:  svc.Metrics,
		}),
	}
	s.cuts.cancels = make(map[uint64]context.CancelFunc)
	s.unsubscribe = svc.Settings.Subscribe(func(config.Settings) {
		s.router.Invalidate()
	})
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Transport() Transport { return s.transport }

// AgentActive reports whether agent mode is on.
func (s *Session) AgentActive() bool { return s.agent.Active() }

// Router exposes the session's chat router.
func (s *Session) Router() *llm.Router { return s.router }

// Close stops any agent or skill run and detaches from settings changes.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.cuts.cut()
		s.agent.Stop()
		s.logger.Debug("session closed")
	})
}

// Handle authorizes req for action and, if allowed, executes it, writing
// every response to sink. It returns ErrUnauthorized when the requester was
// refused and the sink's error when delivery failed. Action-level failures
// are reported to the sink as error events and are not returned.
func (s *Session) Handle(ctx context.Context, req pairing.Requester, action protocol.Action, sink stream.Sink) error {
	start := time.Now()
	ctx, traceID := shared.EnsureTraceID(ctx)
	attrs := []attribute.KeyValue{otel.AttrAction.String(action.Name()), otel.AttrTransport.String(string(s.transport))}
	ctx, span := otel.StartSpan(ctx, s.svc.Tracer, "session.handle",
		append(attrs, otel.AttrSessionID.String(s.id), otel.AttrTraceID.String(traceID))...)
	defer span.End()

	proceed, err := s.authorize(ctx, req, action, sink)
	if err != nil || !proceed {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}

	err = s.dispatch(ctx, req, action, sink)
	s.svc.Metrics.ActionDuration.Record(ctx, time.Since(start).Seconds(), otel.Attrs(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sink delivery failed")
	}
	return err
}

// authorize reports whether dispatch should run. Pairing itself is handled
// here: a first-contact Start binds the owner and is fully answered.
func (s *Session) authorize(ctx context.Context, req pairing.Requester, action protocol.Action, sink stream.Sink) (bool, error) {
	_, isStart := action.(protocol.Start)

	switch s.svc.Pairing.Authorize(req) {
	case pairing.StatusOwner:
		return true, nil

	case pairing.StatusFirstContact:
		if !isStart {
			s.reject(ctx, req, action, "unpaired")
			return false, ErrUnauthorized
		}
		err := s.svc.Pairing.Bind(ctx, req.ID)
		switch {
		case err == nil:
			return false, sink.Send(ctx, s.withKeyboard(stream.Message(pairedText)))
		case errors.Is(err, pairing.ErrAlreadyBound):
			// Lost a race with another first contact.
			if s.svc.Pairing.Authorize(req) == pairing.StatusOwner {
				return true, nil
			}
			s.reject(ctx, req, action, "stranger")
			return false, errors.Join(ErrUnauthorized, sink.Send(ctx, stream.Message(pairing.DenialText)))
		default:
			s.logger.ErrorContext(ctx, "pairing failed", "user_id", req.ID, "error", err)
			return false, stream.Fail(ctx, sink, "❌ Pairing failed. Send /start to try again.")
		}

	default:
		s.reject(ctx, req, action, "stranger")
		if isStart {
			return false, errors.Join(ErrUnauthorized, sink.Send(ctx, stream.Message(pairing.DenialText)))
		}
		return false, ErrUnauthorized
	}
}

func (s *Session) reject(ctx context.Context, req pairing.Requester, action protocol.Action, reason string) {
	audit.Record(ctx, audit.DecisionDeny, "session."+action.Name(), reason, strconv.FormatInt(req.ID, 10))
	s.svc.Metrics.ActionRejects.Add(ctx, 1, otel.Attrs(otel.AttrAction.String(action.Name())))
	s.logger.WarnContext(ctx, "action rejected", "action", action.Name(), "user_id", req.ID, "reason", reason)
}

func (s *Session) withKeyboard(ev stream.Event) stream.Event {
	if s.transport != TransportTelegram {
		return ev
	}
	return ev.With(stream.FieldKeyboard, true)
}

// dispatch runs an authorized action. The switch is exhaustive over the
// protocol package's action set.
func (s *Session) dispatch(ctx context.Context, req pairing.Requester, action protocol.Action, sink stream.Sink) error {
	switch a := action.(type) {
	case protocol.Start:
		return sink.Send(ctx, s.withKeyboard(stream.Message(welcomeBackText)))
	case protocol.Chat:
		return s.chat(ctx, a, sink)
	case protocol.Tool:
		return s.tool(ctx, req, a, sink)
	case protocol.ToggleAgent:
		return s.toggleAgent(ctx, a, sink)
	case protocol.UpdateSettings:
		return s.updateSettings(ctx, req, a, sink)
	case protocol.SaveAPIKey:
		return s.saveAPIKey(ctx, req, a, sink)
	case protocol.GetSettings:
		return sink.Send(ctx, stream.Event{Kind: stream.KindSettings, Data: s.settingsView()})
	case protocol.Browse:
		return s.browse(ctx, a, sink)
	case protocol.SendFile:
		return s.sendFile(ctx, a, sink)
	case protocol.GetReminders:
		return s.getReminders(ctx, sink)
	case protocol.AddReminder:
		return s.addReminder(ctx, a, sink)
	case protocol.DeleteReminder:
		return s.deleteReminder(ctx, a, sink)
	case protocol.GetIntentions:
		return s.getIntentions(ctx, sink)
	case protocol.CreateIntention:
		return s.createIntention(ctx, a, sink)
	case protocol.UpdateIntention:
		return s.updateIntention(ctx, a, sink)
	case protocol.DeleteIntention:
		return s.deleteIntention(ctx, a, sink)
	case protocol.ToggleIntention:
		return s.toggleIntention(ctx, a, sink)
	case protocol.RunIntention:
		return s.runIntention(ctx, a, sink)
	case protocol.GetSkills:
		return s.getSkills(ctx, sink)
	case protocol.RunSkill:
		return s.runSkill(ctx, a, sink)
	default:
		s.logger.ErrorContext(ctx, "unhandled action type", "action", action.Name())
		return stream.Fail(ctx, sink, "Unknown action: "+action.Name())
	}
}

// chat routes text to the agent in agent mode and to the chat router otherwise.
func (s *Session) chat(ctx context.Context, a protocol.Chat, sink stream.Sink) error {
	if s.agent.Active() {
		seq, err := s.agent.Run(ctx, a.Message)
		switch {
		case err == nil:
			if s.transport == TransportTelegram {
				if err := stream.Reply(ctx, sink, "🧠 Thinking..."); err != nil {
					return err
				}
			}
			return stream.Forward(ctx, sink, seq)
		case errors.Is(err, agent.ErrBusy):
			return stream.Fail(ctx, sink, "⏳ The agent is still working on the previous request.")
		case !errors.Is(err, agent.ErrInactive):
			return stream.Fail(ctx, sink, "❌ Agent error: "+err.Error())
		}
		// Switched off between the check and the run: plain chat.
	}
	return stream.Reply(ctx, sink, s.router.Chat(ctx, a.Message))
}

// Panic is the kill switch: it stops the agent and cuts any skill output.
// After it returns no chunk of an earlier run reaches a sink.
func (s *Session) Panic(ctx context.Context, req pairing.Requester) {
	s.cuts.cut()
	s.agent.Stop()
	audit.Record(ctx, audit.DecisionAllow, "agent.panic", string(s.transport), strconv.FormatInt(req.ID, 10))
	s.logger.WarnContext(ctx, "panic: agent processes stopped")
}

func (s *Session) toggleAgent(ctx context.Context, a protocol.ToggleAgent, sink stream.Sink) error {
	want := !s.agent.Active()
	if a.Active != nil {
		want = *a.Active
	}
	if !want {
		s.agent.Stop()
		return sink.Send(ctx, s.withKeyboard(stream.Notification(agentOffText)))
	}
	if err := s.agent.Activate(ctx); err != nil {
		s.logger.ErrorContext(ctx, "agent activation failed", "error", err)
		return stream.Fail(ctx, sink, "❌ Could not start agent: "+err.Error())
	}
	variant := s.agent.Variant()
	if variant == "" {
		variant = agent.Variant(s.svc.Settings.Get().AgentBackend)
	}
	return stream.Notify(ctx, sink, agentOnText(string(variant)))
}

// cutter lets Panic end skill runs: cancels their contexts and, under the
// same lock that guards delivery, stops forwarding.
type cutter struct {
	mu      sync.Mutex
	gen     uint64
	next    uint64
	cancels map[uint64]context.CancelFunc
}

func (c *cutter) begin(ctx context.Context) (context.Context, uint64, func()) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.next++
	id := c.next
	c.cancels[id] = cancel
	gen := c.gen
	c.mu.Unlock()
	return ctx, gen, func() {
		cancel()
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
	}
}

func (c *cutter) cut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for id, cancel := range c.cancels {
		cancel()
		delete(c.cancels, id)
	}
}

// deliver calls fn unless a cut happened since gen.
func (c *cutter) deliver(gen uint64, fn func() bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	return fn()
}

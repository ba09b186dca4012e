package agent

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-paw/internal/otel"
	"go.opentelemetry.io/otel/trace"
)

// State of a Controller.
type State int

const (
	StateOff State = iota
	StateAllocating
	StateReady
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateAllocating:
		return "ALLOCATING"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	default:
		return "OFF"
	}
}

const defaultStopGrace = 3 * time.Second

type ControllerConfig struct {
	Settings SettingsSource
	Factory  Factory
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics
	// StopGrace bounds how long Stop waits for a cancelled backend to return.
	StopGrace time.Duration
}

// Controller is the agent-mode state machine of one session:
// OFF -> ALLOCATING -> READY -> RUNNING -> READY, and any state -> OFF on Stop.
type Controller struct {
	settings  SettingsSource
	factory   Factory
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
	stopGrace time.Duration

	mu      sync.Mutex
	gen     uint64
	state   State
	variant Variant
	backend Backend
	cur     *run
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.NoopTracer()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &Controller{
		settings:  cfg.Settings,
		factory:   cfg.Factory,
		logger:    cfg.Logger.With("component", "agent"),
		tracer:    cfg.Tracer,
		metrics:   cfg.Metrics,
		stopGrace: cfg.StopGrace,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether agent mode is on.
func (c *Controller) Active() bool {
	return c.State() != StateOff
}

// Variant is the backend variant bound at activation, or "" when off.
func (c *Controller) Variant() Variant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.variant
}

// Toggle turns agent mode on when off and off otherwise, returning the new
// state. Turning off always goes through Stop.
func (c *Controller) Toggle(ctx context.Context) (bool, error) {
	if c.Active() {
		c.Stop()
		return false, nil
	}
	err := c.Activate(ctx)
	return c.Active(), err
}

// SetActive drives the controller to the requested state.
func (c *Controller) SetActive(ctx context.Context, active bool) error {
	if !active {
		c.Stop()
		return nil
	}
	return c.Activate(ctx)
}

// Activate allocates a backend for the currently configured variant. It is a
// no-op when already active. The variant is fixed until the next Stop.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateOff {
		c.mu.Unlock()
		return nil
	}
	s := c.settings.Get()
	variant := Variant(s.AgentBackend)
	c.state = StateAllocating
	c.variant = variant
	gen := c.gen
	c.mu.Unlock()

	b, err := c.factory.New(ctx, variant, s)

	c.mu.Lock()
	if c.gen != gen || c.state != StateAllocating {
		// Stopped while allocating.
		c.mu.Unlock()
		if b != nil {
			_ = b.Close()
		}
		return nil
	}
	if err != nil {
		c.state = StateOff
		c.variant = ""
		c.mu.Unlock()
		return err
	}
	c.backend = b
	c.state = StateReady
	c.mu.Unlock()
	c.logger.Info("agent activated", "variant", string(variant), "backend", b.Name())
	return nil
}

// Stop is the kill switch. It is idempotent and safe at any state. When it
// returns, no chunk of an earlier run reaches the consumer and the backend
// has been released.
func (c *Controller) Stop() {
	c.mu.Lock()
	r := c.cur
	b := c.backend
	wasActive := c.state != StateOff
	c.gen++
	c.cur = nil
	c.backend = nil
	c.state = StateOff
	c.variant = ""
	c.mu.Unlock()

	if r != nil {
		r.cancel()
		r.cut()
		r.wait(c.stopGrace, c.logger)
		c.metrics.AgentPanics.Add(context.Background(), 1)
	}
	if b != nil {
		if err := b.Close(); err != nil {
			c.logger.Warn("agent backend close failed", "error", err)
		}
	}
	if wasActive {
		c.logger.Info("agent stopped")
	}
}

// Run starts a run of prompt and returns its chunk sequence. The sequence is
// lazy: the backend starts when it is first ranged over. It can be ranged
// once; a second range yields ErrConsumed. Callers must not call Stop from
// inside the range body; break out instead.
func (c *Controller) Run(ctx context.Context, prompt string) (iter.Seq2[Chunk, error], error) {
	c.mu.Lock()
	switch c.state {
	case StateOff, StateAllocating:
		c.mu.Unlock()
		return nil, ErrInactive
	case StateRunning:
		c.mu.Unlock()
		return nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	c.cur = r
	c.state = StateRunning
	b := c.backend
	variant := c.variant
	c.mu.Unlock()

	c.metrics.AgentRuns.Add(ctx, 1, otel.Attrs(otel.AttrVariant.String(string(variant))))

	return func(yield func(Chunk, error) bool) {
		if !r.claim() {
			yield(Chunk{}, ErrConsumed)
			return
		}
		defer c.finish(r)
		r.stream(c.tracer, b, prompt, variant, yield)
	}, nil
}

func (c *Controller) finish(r *run) {
	r.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == r {
		c.cur = nil
		if c.state == StateRunning {
			c.state = StateReady
		}
	}
}

// run is one in-flight execution. deliverMu serializes delivery against cut,
// so once cut returns no further yield starts.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	deliverMu sync.Mutex
	claimed   bool
	started   bool
	stopped   bool
}

func (r *run) claim() bool {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	if r.claimed {
		return false
	}
	r.claimed = true
	return true
}

func (r *run) cut() {
	r.deliverMu.Lock()
	r.stopped = true
	r.deliverMu.Unlock()
}

func (r *run) wait(grace time.Duration, logger *slog.Logger) {
	r.deliverMu.Lock()
	started := r.started
	r.deliverMu.Unlock()
	if !started {
		return
	}
	select {
	case <-r.done:
	case <-time.After(grace):
		logger.Warn("agent backend did not exit after cancel", "grace", grace.String())
	}
}

func (r *run) stream(tracer trace.Tracer, b Backend, prompt string, variant Variant, yield func(Chunk, error) bool) {
	r.deliverMu.Lock()
	if r.stopped {
		r.deliverMu.Unlock()
		return
	}
	r.started = true
	r.deliverMu.Unlock()

	ctx, span := otel.StartSpan(r.ctx, tracer, "agent.run", otel.AttrVariant.String(string(variant)))
	defer span.End()

	chunks := make(chan Chunk)
	errc := make(chan error, 1)
	go func() {
		defer close(r.done)
		defer close(chunks)
		errc <- b.Execute(ctx, prompt, func(ch Chunk) error {
			select {
			case chunks <- ch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	for ch := range chunks {
		r.deliverMu.Lock()
		if r.stopped {
			r.deliverMu.Unlock()
			r.cancel()
			return
		}
		cont := yield(ch, nil)
		r.deliverMu.Unlock()
		if !cont {
			r.cancel()
			<-r.done
			return
		}
	}

	err := <-errc
	if err == nil {
		return
	}
	span.RecordError(err)
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	if r.stopped || errors.Is(err, context.Canceled) {
		return
	}
	yield(Chunk{}, err)
}

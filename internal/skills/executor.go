package skills

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/basket/go-paw/internal/agent"
	"github.com/basket/go-paw/internal/bus"
)

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Loader   *Loader
	Factory  agent.Factory
	Settings agent.SettingsSource
	Bus      *bus.Bus
	Logger   *slog.Logger
}

// Executor renders a skill and runs it on a backend allocated for that run.
type Executor struct {
	loader   *Loader
	factory  agent.Factory
	settings agent.SettingsSource
	bus      *bus.Bus
	logger   *slog.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		loader:   cfg.Loader,
		factory:  cfg.Factory,
		settings: cfg.Settings,
		bus:      cfg.Bus,
		logger:   logger.With("component", "skills"),
	}
}

// Run looks up name and returns the chunk sequence of its execution. Lookup
// failures are returned directly; backend failures arrive through the
// sequence. Cancelling ctx stops the backend.
func (e *Executor) Run(ctx context.Context, name, args string) (Skill, iter.Seq2[agent.Chunk, error], error) {
	s, err := e.loader.Get(name)
	if err != nil {
		return Skill{}, nil, err
	}
	prompt := s.Render(args)
	e.bus.Publish(bus.TopicSkillInvoked, bus.SkillInvoked{Name: s.Name, Args: args})
	e.logger.Info("skill invoked", "skill", s.Name, "source", s.Source)

	return s, func(yield func(agent.Chunk, error) bool) {
		settings := e.settings.Get()
		backend, err := e.factory.New(ctx, agent.Variant(settings.AgentBackend), settings)
		if err != nil {
			yield(agent.Chunk{}, fmt.Errorf("allocate backend: %w", err))
			return
		}
		defer func() {
			if err := backend.Close(); err != nil {
				e.logger.Warn("close skill backend", "skill", s.Name, "error", err)
			}
		}()

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		chunks := make(chan agent.Chunk)
		errc := make(chan error, 1)
		go func() {
			defer close(chunks)
			errc <- backend.Execute(runCtx, prompt, func(c agent.Chunk) error {
				select {
				case chunks <- c:
					return nil
				case <-runCtx.Done():
					return runCtx.Err()
				}
			})
		}()

		for c := range chunks {
			if !yield(c, nil) {
				cancel()
				for range chunks {
				}
				return
			}
		}
		if err := <-errc; err != nil && ctx.Err() == nil {
			yield(agent.Chunk{}, err)
		}
	}, nil
}

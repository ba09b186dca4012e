// Package agent owns agent mode: one execution backend per activation, a
// streaming run at a time and a kill switch that cuts output immediately.
package agent

import (
	"context"
	"errors"

	"github.com/basket/go-paw/internal/config"
)

// ChunkKind tags a chunk so prose and code render differently.
type ChunkKind string

const (
	ChunkMessage ChunkKind = "message"
	ChunkCode    ChunkKind = "code"
)

// Chunk is one piece of agent output.
type Chunk struct {
	Kind    ChunkKind
	Content string
}

// Emit delivers a chunk. It returns an error once the run has been cancelled;
// backends should stop producing when it does.
type Emit func(Chunk) error

// Backend executes prompts for one activation of agent mode.
type Backend interface {
	Name() string
	Execute(ctx context.Context, prompt string, emit Emit) error
	Close() error
}

// Variant selects the kind of execution backend.
type Variant string

const (
	VariantInterpreter   Variant = config.BackendOpenInterpreter
	VariantCodeAssistant Variant = config.BackendClaudeCode
)

// Factory allocates a backend of the given variant.
type Factory interface {
	New(ctx context.Context, v Variant, s config.Settings) (Backend, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, v Variant, s config.Settings) (Backend, error)

func (f FactoryFunc) New(ctx context.Context, v Variant, s config.Settings) (Backend, error) {
	return f(ctx, v, s)
}

// SettingsSource yields the current settings snapshot.
type SettingsSource interface {
	Get() config.Settings
}

var (
	ErrInactive       = errors.New("agent mode is off")
	ErrBusy           = errors.New("agent is already running")
	ErrConsumed       = errors.New("agent run already consumed")
	ErrUnknownVariant = errors.New("unknown agent backend")
)

// Package llm routes plain chat turns to whichever language-model backend is
// usable: a local Ollama service first, then the remote providers whose keys
// are configured.
package llm

import (
	"context"
	"errors"

	"github.com/basket/go-paw/internal/config"
)

// Backend names a concrete chat backend.
type Backend string

const (
	BackendNone      Backend = ""
	BackendOllama    Backend = "ollama"
	BackendOpenAI    Backend = "openai"
	BackendAnthropic Backend = "anthropic"
)

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemPrompt is sent with every chat call.
const SystemPrompt = "You are GoPaw, a helpful AI assistant running locally on the user's machine."

var (
	ErrNoBackend   = errors.New("no llm backend available")
	ErrMissingKey  = errors.New("api key not configured")
	ErrUnsupported = errors.New("unsupported llm backend")
)

// Provider performs one chat call over the full conversation. The last turn is
// the user's message.
type Provider interface {
	Chat(ctx context.Context, history []Turn) (string, error)
}

// ProviderFactory builds the Provider for a detected backend.
type ProviderFactory interface {
	New(ctx context.Context, backend Backend, s config.Settings) (Provider, error)
}

// ProviderFactoryFunc adapts a function to ProviderFactory.
type ProviderFactoryFunc func(ctx context.Context, backend Backend, s config.Settings) (Provider, error)

func (f ProviderFactoryFunc) New(ctx context.Context, backend Backend, s config.Settings) (Provider, error) {
	return f(ctx, backend, s)
}

// SettingsSource yields the current settings snapshot. *config.Store satisfies it.
type SettingsSource interface {
	Get() config.Settings
}

// ModelFor returns the configured model for backend.
func ModelFor(b Backend, s config.Settings) string {
	switch b {
	case BackendOllama:
		return s.OllamaModel
	case BackendOpenAI:
		return s.OpenAIModel
	case BackendAnthropic:
		return s.AnthropicModel
	}
	return ""
}

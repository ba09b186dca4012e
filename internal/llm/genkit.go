package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/basket/go-paw/internal/config"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
)

// GenkitPool hands out one Genkit instance per backend and credential, so
// repeated sessions do not re-register plugins.
type GenkitPool struct {
	mu    sync.Mutex
	insts map[string]*genkit.Genkit
}

func NewGenkitPool() *GenkitPool {
	return &GenkitPool{insts: make(map[string]*genkit.Genkit)}
}

// Instance returns the shared Genkit instance and fully qualified model name
// for backend under s.
func (p *GenkitPool) Instance(ctx context.Context, backend Backend, s config.Settings) (*genkit.Genkit, string, error) {
	key, build, err := genkitBuilder(ctx, backend, s)
	if err != nil {
		return nil, "", err
	}
	model := ModelName(backend, ModelFor(backend, s))

	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.insts[key]; ok {
		return g, model, nil
	}
	g := build()
	p.insts[key] = g
	return g, model, nil
}

// NewGenkit returns a private Genkit instance, for callers that register their
// own tools on it.
func NewGenkit(ctx context.Context, backend Backend, s config.Settings) (*genkit.Genkit, string, error) {
	_, build, err := genkitBuilder(ctx, backend, s)
	if err != nil {
		return nil, "", err
	}
	return build(), ModelName(backend, ModelFor(backend, s)), nil
}

func genkitBuilder(ctx context.Context, backend Backend, s config.Settings) (string, func() *genkit.Genkit, error) {
	// Instances outlive the request that created them.
	ctx = context.WithoutCancel(ctx)
	var (
		key   string
		build func() *genkit.Genkit
	)
	switch backend {
	case BackendOllama:
		host := strings.TrimSuffix(s.OllamaHost, "/")
		key = "ollama|" + host
		build = func() *genkit.Genkit {
			return genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "ollama",
				APIKey:   "ollama",
				BaseURL:  host + "/v1",
			}))
		}
	case BackendOpenAI:
		if strings.TrimSpace(s.OpenAIAPIKey) == "" {
			return "", nil, fmt.Errorf("openai: %w", ErrMissingKey)
		}
		key = "openai|" + s.OpenAIAPIKey
		build = func() *genkit.Genkit {
			return genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   s.OpenAIAPIKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
		}
	case BackendAnthropic:
		if strings.TrimSpace(s.AnthropicAPIKey) == "" {
			return "", nil, fmt.Errorf("anthropic: %w", ErrMissingKey)
		}
		key = "anthropic|" + s.AnthropicAPIKey
		build = func() *genkit.Genkit {
			return genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  s.AnthropicAPIKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
		}
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupported, backend)
	}
	return key, build, nil
}

// ModelName maps a bare model id onto the genkit provider namespace.
func ModelName(backend Backend, model string) string {
	model = strings.TrimSpace(model)
	if i := strings.Index(model, "/"); i > 0 && Backend(model[:i]) == backend {
		return model
	}
	return string(backend) + "/" + model
}

// ToMessages converts conversation turns into genkit messages.
func ToMessages(history []Turn) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(history))
	for _, t := range history {
		role := ai.RoleUser
		if t.Role == RoleAssistant {
			role = ai.RoleModel
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(t.Content)},
		})
	}
	return msgs
}

// GenkitFactory builds providers backed by genkit plugins.
type GenkitFactory struct {
	Pool *GenkitPool
}

func (f GenkitFactory) New(ctx context.Context, backend Backend, s config.Settings) (Provider, error) {
	pool := f.Pool
	if pool == nil {
		pool = NewGenkitPool()
	}
	g, model, err := pool.Instance(ctx, backend, s)
	if err != nil {
		return nil, err
	}
	return &genkitProvider{g: g, model: model}, nil
}

type genkitProvider struct {
	g     *genkit.Genkit
	model string
}

func (p *genkitProvider) Chat(ctx context.Context, history []Turn) (string, error) {
	resp, err := genkit.Generate(ctx, p.g,
		ai.WithModelName(p.model),
		ai.WithSystem(strings.ReplaceAll(SystemPrompt, "%", "%%")),
		ai.WithMessages(ToMessages(history)...),
	)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	reply := resp.Text()
	if reply == "" {
		return "No response", nil
	}
	return reply, nil
}

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-paw/internal/config"
	"github.com/basket/go-paw/internal/otel"
	"go.opentelemetry.io/otel/trace"
)

// NoBackendText is returned by Chat when detection finds nothing usable.
const NoBackendText = "❌ No LLM backend available.\n\n" +
	"Options:\n" +
	"• Install [Ollama](https://ollama.ai) and run `ollama run llama3.2`\n" +
	"• Add OpenAI API key in ⚙️ Settings\n" +
	"• Add Anthropic API key in ⚙️ Settings"

const probeTimeout = 2 * time.Second

// RouterConfig wires a Router.
type RouterConfig struct {
	Settings SettingsSource
	Factory  ProviderFactory
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics
	// HTTPClient is used for the Ollama liveness probe.
	HTTPClient *http.Client
}

// Router owns one session's conversation and its detected backend.
type Router struct {
	settings SettingsSource
	factory  ProviderFactory
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics
	client   *http.Client

	mu       sync.Mutex
	gen      uint64
	detected Backend
	provider Provider
	history  []Turn
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.NoopTracer()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Factory == nil {
		cfg.Factory = GenkitFactory{Pool: NewGenkitPool()}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: probeTimeout}
	}
	return &Router{
		settings: cfg.Settings,
		factory:  cfg.Factory,
		logger:   cfg.Logger.With("component", "llm"),
		tracer:   cfg.Tracer,
		metrics:  cfg.Metrics,
		client:   cfg.HTTPClient,
	}
}

// Invalidate forgets the detected backend. The next Chat or Detect re-probes.
func (r *Router) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.detected = BackendNone
	r.provider = nil
}

// Detect returns the backend chat would use. A positive result is memoized
// until Invalidate; a negative one is re-probed next time.
func (r *Router) Detect(ctx context.Context) (Backend, bool) {
	r.mu.Lock()
	if r.detected != BackendNone {
		b := r.detected
		r.mu.Unlock()
		return b, true
	}
	gen := r.gen
	r.mu.Unlock()

	b := r.detect(ctx, r.settings.Get())
	if b == BackendNone {
		return BackendNone, false
	}

	r.mu.Lock()
	if r.gen == gen {
		r.detected = b
	}
	r.mu.Unlock()
	r.logger.Info("llm backend detected", "backend", string(b))
	return b, true
}

func (r *Router) detect(ctx context.Context, s config.Settings) Backend {
	return Select(ctx, s, r.client, r.logger)
}

// Select picks the chat backend for s without memoizing. An explicit provider
// must satisfy its own prerequisite; auto probes Ollama first, then OpenAI,
// then Anthropic.
func Select(ctx context.Context, s config.Settings, client *http.Client, logger *slog.Logger) Backend {
	alive := func() bool { return OllamaAlive(ctx, client, s.OllamaHost, logger) }
	switch s.LLMProvider {
	case config.ProviderOllama:
		if alive() {
			return BackendOllama
		}
	case config.ProviderOpenAI:
		if strings.TrimSpace(s.OpenAIAPIKey) != "" {
			return BackendOpenAI
		}
	case config.ProviderAnthropic:
		if strings.TrimSpace(s.AnthropicAPIKey) != "" {
			return BackendAnthropic
		}
	case config.ProviderAuto:
		// Local first: free and private.
		if alive() {
			return BackendOllama
		}
		if strings.TrimSpace(s.OpenAIAPIKey) != "" {
			return BackendOpenAI
		}
		if strings.TrimSpace(s.AnthropicAPIKey) != "" {
			return BackendAnthropic
		}
	}
	return BackendNone
}

// OllamaAlive reports whether GET {host}/api/tags answers 200 within 2s.
func OllamaAlive(ctx context.Context, client *http.Client, host string, logger *slog.Logger) bool {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(host, "/")+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		if logger != nil {
			logger.Debug("ollama probe failed", "host", host, "error", err)
		}
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Chat sends text as the next user turn and returns the reply. It never
// fails: a missing backend or a provider error comes back as a diagnostic.
// On provider error the user turn stays in history without a reply.
func (r *Router) Chat(ctx context.Context, text string) string {
	backend, ok := r.Detect(ctx)
	if !ok {
		return NoBackendText
	}
	s := r.settings.Get()

	r.mu.Lock()
	r.history = append(r.history, Turn{Role: RoleUser, Content: text})
	history := append([]Turn(nil), r.history...)
	provider := r.provider
	gen := r.gen
	r.mu.Unlock()

	ctx, span := otel.StartClientSpan(ctx, r.tracer, "llm.chat",
		otel.AttrBackend.String(string(backend)),
		otel.AttrModel.String(ModelFor(backend, s)),
	)
	defer span.End()
	start := time.Now()
	attrs := otel.Attrs(otel.AttrBackend.String(string(backend)))

	reply, err := r.call(ctx, provider, gen, backend, s, history)
	r.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		span.RecordError(err)
		r.metrics.LLMCallErrors.Add(ctx, 1, attrs)
		r.logger.Error("llm call failed", "backend", string(backend), "error", err)
		return fmt.Sprintf("❌ LLM Error: %v", err)
	}

	r.mu.Lock()
	r.history = append(r.history, Turn{Role: RoleAssistant, Content: reply})
	r.mu.Unlock()
	return reply
}

func (r *Router) call(ctx context.Context, provider Provider, gen uint64, backend Backend, s config.Settings, history []Turn) (string, error) {
	if provider == nil {
		p, err := r.factory.New(ctx, backend, s)
		if err != nil {
			return "", err
		}
		provider = p
		r.mu.Lock()
		if r.gen == gen {
			r.provider = p
		}
		r.mu.Unlock()
	}
	return provider.Chat(ctx, history)
}

// History returns a copy of the conversation so far.
func (r *Router) History() []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Turn(nil), r.history...)
}

func (r *Router) ClearHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
}

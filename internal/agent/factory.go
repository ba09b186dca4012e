package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"

	"github.com/basket/go-paw/internal/config"
	"github.com/basket/go-paw/internal/llm"
	"github.com/basket/go-paw/internal/tools"
)

// DefaultFactory builds the real variants from Settings.
type DefaultFactory struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
}

func (f DefaultFactory) New(ctx context.Context, v Variant, s config.Settings) (Backend, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch v {
	case VariantInterpreter:
		backend := llm.Select(ctx, s, f.HTTPClient, logger)
		if backend == llm.BackendNone {
			return nil, fmt.Errorf("interpreter: %w", llm.ErrNoBackend)
		}
		ex, release, err := tools.NewExecutor(s)
		if err != nil {
			return nil, fmt.Errorf("interpreter executor: %w", err)
		}
		in, err := NewInterpreter(ctx, backend, s.JailRoot(), ex, release, s)
		if err != nil {
			_ = release()
			return nil, err
		}
		return in, nil
	case VariantCodeAssistant:
		if _, err := exec.LookPath(s.CodeAssistant.Command); err != nil {
			return nil, fmt.Errorf("code assistant %q not found: %w", s.CodeAssistant.Command, err)
		}
		return NewCodeAssistant(s, logger), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, v)
}

package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/go-paw/internal/config"
)

func TestModelName(t *testing.T) {
	cases := []struct {
		b    Backend
		in   string
		want string
	}{
		{BackendOllama, "llama3.2", "ollama/llama3.2"},
		{BackendOpenAI, "gpt-4o", "openai/gpt-4o"},
		{BackendAnthropic, "anthropic/claude-sonnet-4-20250514", "anthropic/claude-sonnet-4-20250514"},
		{BackendOllama, "library/qwen", "ollama/library/qwen"},
	}
	for _, tc := range cases {
		if got := ModelName(tc.b, tc.in); got != tc.want {
			t.Errorf("ModelName(%q, %q) = %q, want %q", tc.b, tc.in, got, tc.want)
		}
	}
}

func TestToMessages_Roles(t *testing.T) {
	msgs := ToMessages([]Turn{{Role: RoleUser, Content: "a"}, {Role: RoleAssistant, Content: "b"}})
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "model" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if msgs[1].Text() != "b" {
		t.Fatalf("text = %q", msgs[1].Text())
	}
}

func TestGenkitPool_RemoteRequiresKey(t *testing.T) {
	pool := NewGenkitPool()
	s := config.Defaults()
	if _, _, err := pool.Instance(context.Background(), BackendOpenAI, s); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("openai without key: %v", err)
	}
	if _, _, err := pool.Instance(context.Background(), BackendAnthropic, s); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("anthropic without key: %v", err)
	}
	if _, _, err := pool.Instance(context.Background(), Backend("gemini"), s); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("unknown backend: %v", err)
	}
}

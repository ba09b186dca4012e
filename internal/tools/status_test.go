package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		42 * time.Second:                "42s",
		5 * time.Minute:                 "5m",
		80 * time.Minute:                "1h 20m",
		(3*24 + 4) * time.Hour:          "3d 4h",
		-time.Second:                    "0s",
		59*time.Minute + 59*time.Second: "59m",
	}
	for d, want := range cases {
		if got := FormatDuration(d); got != want {
			t.Errorf("FormatDuration(%v) = %q, want %q", d, got, want)
		}
	}
}

func TestStatus_IncludesCallerFields(t *testing.T) {
	out := Status(StatusInput{JailRoot: t.TempDir(), AgentState: "READY", Backend: "ollama"})
	for _, want := range []string{"System Status", "CPUs:", "Agent: READY", "LLM: ollama", "Gateway up:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status missing %q:\n%s", want, out)
		}
	}
}

func TestScreenshot_NoToolsAvailable(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	if _, err := Screenshot(context.Background()); !errors.Is(err, ErrScreenshotUnavailable) {
		t.Fatalf("expected ErrScreenshotUnavailable, got %v", err)
	}
}

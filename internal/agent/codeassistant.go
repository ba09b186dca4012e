package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/basket/go-paw/internal/config"
	"github.com/basket/go-paw/internal/shared"
	"github.com/basket/go-paw/internal/tools"
	"github.com/tidwall/gjson"
)

const (
	maxToolResultChars = 2000
	maxStreamLine      = 4 * 1024 * 1024
)

// CodeAssistant is the code-assistant variant: it drives a CLI that prints one
// JSON event per line (claude -p ... --output-format stream-json).
type CodeAssistant struct {
	command string
	args    []string
	dir     string
	bypass  bool
	logger  *slog.Logger

	mu        sync.Mutex
	sessionID string
}

func NewCodeAssistant(s config.Settings, logger *slog.Logger) *CodeAssistant {
	if logger == nil {
		logger = slog.Default()
	}
	return &CodeAssistant{
		command: s.CodeAssistant.Command,
		args:    append([]string(nil), s.CodeAssistant.Args...),
		dir:     s.JailRoot(),
		bypass:  s.BypassPermissions,
		logger:  logger.With("component", "code_assistant"),
	}
}

func (a *CodeAssistant) Name() string { return "code_assistant/" + a.command }

func (a *CodeAssistant) Close() error { return nil }

func (a *CodeAssistant) buildArgs(prompt string) []string {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if a.bypass {
		args = append(args, "--dangerously-skip-permissions")
	}
	a.mu.Lock()
	if a.sessionID != "" {
		args = append(args, "--resume", a.sessionID)
	}
	a.mu.Unlock()
	return append(args, a.args...)
}

// Execute runs the CLI once. Cancelling ctx kills its process group.
func (a *CodeAssistant) Execute(ctx context.Context, prompt string, emit Emit) error {
	cmd := exec.CommandContext(ctx, a.command, a.buildArgs(prompt)...)
	cmd.Dir = a.dir
	tools.ConfigureProcess(cmd)
	cmd.Cancel = func() error {
		tools.TerminateProcess(cmd)
		return nil
	}
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("code assistant stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, n: 8 * 1024}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", a.command, err)
	}

	streamErr := a.consume(stdout, emit)
	if streamErr != nil {
		tools.TerminateProcess(cmd)
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case streamErr != nil:
		return streamErr
	case waitErr != nil:
		msg := strings.TrimSpace(shared.Redact(stderr.String()))
		if msg == "" {
			return fmt.Errorf("%s: %w", a.command, waitErr)
		}
		return fmt.Errorf("%s: %w: %s", a.command, waitErr, msg)
	}
	return nil
}

var errResultFailed = errors.New("code assistant reported an error")

func (a *CodeAssistant) consume(r io.Reader, emit Emit) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxStreamLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			// Plain text output from older CLIs.
			if err := emit(Chunk{Kind: ChunkMessage, Content: string(line) + "\n"}); err != nil {
				return err
			}
			continue
		}
		if err := a.handleEvent(gjson.ParseBytes(line), emit); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read code assistant output: %w", err)
	}
	return nil
}

func (a *CodeAssistant) handleEvent(ev gjson.Result, emit Emit) error {
	if id := ev.Get("session_id").String(); id != "" {
		a.mu.Lock()
		a.sessionID = id
		a.mu.Unlock()
	}
	switch ev.Get("type").String() {
	case "assistant":
		for _, block := range ev.Get("message.content").Array() {
			switch block.Get("type").String() {
			case "text":
				if text := block.Get("text").String(); text != "" {
					if err := emit(Chunk{Kind: ChunkMessage, Content: text}); err != nil {
						return err
					}
				}
			case "tool_use":
				if err := emit(Chunk{Kind: ChunkCode, Content: describeToolUse(block)}); err != nil {
					return err
				}
			}
		}
	case "user":
		for _, block := range ev.Get("message.content").Array() {
			if block.Get("type").String() != "tool_result" {
				continue
			}
			out := toolResultText(block.Get("content"))
			if out == "" {
				continue
			}
			if err := emit(Chunk{Kind: ChunkCode, Content: truncate(shared.Redact(out), maxToolResultChars)}); err != nil {
				return err
			}
		}
	case "result":
		if ev.Get("is_error").Bool() {
			return fmt.Errorf("%w: %s", errResultFailed, ev.Get("result").String())
		}
	}
	return nil
}

func describeToolUse(block gjson.Result) string {
	name := block.Get("name").String()
	input := block.Get("input")
	for _, key := range []string{"command", "file_path", "path", "pattern", "url"} {
		if v := input.Get(key).String(); v != "" {
			if key == "command" {
				return "$ " + v
			}
			return fmt.Sprintf("%s %s", name, v)
		}
	}
	return fmt.Sprintf("%s %s", name, input.Raw)
}

func toolResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var b strings.Builder
	for _, part := range content.Array() {
		if text := part.Get("text").String(); text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(text)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n... (truncated)"
}

type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	keep := p
	if len(keep) > l.n {
		keep = keep[:l.n]
	}
	l.n -= len(keep)
	if _, err := l.w.Write(keep); err != nil {
		return 0, err
	}
	return len(p), nil
}

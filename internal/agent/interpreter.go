package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-paw/internal/config"
	"github.com/basket/go-paw/internal/jail"
	"github.com/basket/go-paw/internal/llm"
	"github.com/basket/go-paw/internal/tools"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

const (
	interpreterMaxTurns = 10
	maxReadBytes        = 100 * 1024
)

const interpreterPrompt = `You are GoPaw's interpreter agent running on the owner's machine.
Accomplish the user's request by calling tools: run_command runs a shell command,
read_file reads a file and list_dir lists a directory. All paths are relative to
the working directory %s and cannot leave it. Explain briefly what you are doing,
then report the result.`

// Interpreter is the general-purpose variant: an LLM tool loop that can run
// commands and read files inside the jail.
type Interpreter struct {
	g        *genkit.Genkit
	model    string
	backend  llm.Backend
	root     string
	executor tools.Executor
	release  func() error
	refs     []ai.ToolRef

	mu      sync.Mutex
	history []llm.Turn
}

type emitKey struct{}

func emitterFrom(ctx context.Context) Emit {
	if e, ok := ctx.Value(emitKey{}).(Emit); ok {
		return e
	}
	return func(Chunk) error { return nil }
}

type RunCommandInput struct {
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

type PathInput struct {
	Path string `json:"path"`
}

type ReadFileOutput struct {
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

type ListDirOutput struct {
	Entries []jail.Entry `json:"entries"`
}

// NewInterpreter builds an interpreter on a private genkit instance so its
// tools do not collide with other activations.
func NewInterpreter(ctx context.Context, backend llm.Backend, root string, ex tools.Executor, release func() error, s config.Settings) (*Interpreter, error) {
	g, model, err := llm.NewGenkit(ctx, backend, s)
	if err != nil {
		return nil, err
	}
	return newInterpreter(g, model, backend, root, ex, release), nil
}

func newInterpreter(g *genkit.Genkit, model string, backend llm.Backend, root string, ex tools.Executor, release func() error) *Interpreter {
	if release == nil {
		release = func() error { return nil }
	}
	in := &Interpreter{
		g:        g,
		model:    model,
		backend:  backend,
		root:     root,
		executor: ex,
		release:  release,
	}
	in.refs = in.defineTools()
	return in
}

func (in *Interpreter) Name() string {
	return "interpreter/" + string(in.backend)
}

func (in *Interpreter) Close() error {
	return in.release()
}

func (in *Interpreter) resolve(p string) (string, error) {
	return jail.Resolve(jail.ExpandRequest(p, in.root), in.root)
}

func (in *Interpreter) defineTools() []ai.ToolRef {
	runCommand := genkit.DefineTool(in.g, "run_command",
		"Run a shell command in the working directory. Destructive commands are blocked. Output is truncated to 8KB.",
		func(ctx *ai.ToolContext, input RunCommandInput) (tools.CommandResult, error) {
			emit := emitterFrom(ctx)
			if err := emit(Chunk{Kind: ChunkCode, Content: "$ " + input.Command}); err != nil {
				return tools.CommandResult{}, err
			}
			res, err := tools.RunCommand(ctx, in.executor, input.Command, in.root, time.Duration(input.TimeoutSec)*time.Second)
			if err != nil {
				return tools.CommandResult{}, err
			}
			if out := res.Combined(); out != "" {
				if err := emit(Chunk{Kind: ChunkCode, Content: out}); err != nil {
					return tools.CommandResult{}, err
				}
			}
			return res, nil
		},
	)

	readFile := genkit.DefineTool(in.g, "read_file",
		"Read a text file. Maximum 100KB.",
		func(ctx *ai.ToolContext, input PathInput) (ReadFileOutput, error) {
			path, err := in.resolve(input.Path)
			if err != nil {
				return ReadFileOutput{}, err
			}
			info, err := os.Stat(path)
			if err != nil {
				return ReadFileOutput{}, fmt.Errorf("stat: %w", err)
			}
			if info.IsDir() {
				return ReadFileOutput{}, fmt.Errorf("%s is a directory, use list_dir", input.Path)
			}
			if info.Size() > maxReadBytes {
				return ReadFileOutput{}, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return ReadFileOutput{}, fmt.Errorf("read: %w", err)
			}
			return ReadFileOutput{Content: string(data), Size: info.Size()}, nil
		},
	)

	listDir := genkit.DefineTool(in.g, "list_dir",
		"List a directory: folders first, hidden entries omitted, at most 50 entries.",
		func(ctx *ai.ToolContext, input PathInput) (ListDirOutput, error) {
			entries, err := jail.List(jail.ExpandRequest(input.Path, in.root), in.root)
			if err != nil {
				return ListDirOutput{}, err
			}
			return ListDirOutput{Entries: entries}, nil
		},
	)

	return []ai.ToolRef{runCommand, readFile, listDir}
}

// Execute runs one tool loop and streams the model's text as message chunks.
// Tool activity is streamed as code chunks by the tools themselves.
func (in *Interpreter) Execute(ctx context.Context, prompt string, emit Emit) error {
	ctx = context.WithValue(ctx, emitKey{}, emit)

	in.mu.Lock()
	msgs := llm.ToMessages(in.history)
	in.mu.Unlock()

	// The prompt helpers treat their text as a format string.
	msgs = append(msgs, ai.NewUserTextMessage(prompt))
	system := strings.ReplaceAll(fmt.Sprintf(interpreterPrompt, in.root), "%", "%%")
	opts := []ai.GenerateOption{
		ai.WithModelName(in.model),
		ai.WithSystem(system),
		ai.WithTools(in.refs...),
		ai.WithMaxTurns(interpreterMaxTurns),
		ai.WithMessages(msgs...),
	}

	var reply strings.Builder
	for v, err := range genkit.GenerateStream(ctx, in.g, opts...) {
		if err != nil {
			return fmt.Errorf("interpreter stream: %w", err)
		}
		if v.Chunk != nil {
			for _, part := range v.Chunk.Content {
				if part.Kind != ai.PartText || part.Text == "" {
					continue
				}
				if err := emit(Chunk{Kind: ChunkMessage, Content: part.Text}); err != nil {
					return err
				}
				reply.WriteString(part.Text)
			}
		}
		if v.Done && v.Response != nil && reply.Len() == 0 {
			if text := v.Response.Text(); text != "" {
				if err := emit(Chunk{Kind: ChunkMessage, Content: text}); err != nil {
					return err
				}
				reply.WriteString(text)
			}
		}
	}

	in.mu.Lock()
	in.history = append(in.history,
		llm.Turn{Role: llm.RoleUser, Content: prompt},
		llm.Turn{Role: llm.RoleAssistant, Content: reply.String()},
	)
	in.mu.Unlock()
	return nil
}

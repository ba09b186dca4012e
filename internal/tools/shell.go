// Package tools holds the local capabilities the gateway exposes directly
// (status, screenshot) and the command executors used by the agent backends.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/go-paw/internal/shared"
)

const (
	DefaultCommandTimeout = 30 * time.Second
	MaxCommandTimeout     = 120 * time.Second
	maxCommandOutput      = 8 * 1024
)

var ErrCommandRejected = errors.New("command rejected")

// Executor runs one shell command.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands with sh on the local machine. Cancelling ctx kills
// the whole process group.
type HostExecutor struct{}

func (h *HostExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	execCmd := exec.CommandContext(ctx, "sh", "-c", cmd)
	if workDir != "" {
		execCmd.Dir = workDir
	}
	ConfigureProcess(execCmd)
	execCmd.Cancel = func() error {
		TerminateProcess(execCmd)
		return nil
	}

	var outBuf, errBuf bytes.Buffer
	execCmd.Stdout = &outBuf
	execCmd.Stderr = &errBuf

	runErr := execCmd.Run()
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && ctx.Err() == nil {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			err = runErr
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// denyList contains commands that are never executed.
var denyList = map[string]struct{}{
	"rm":       {},
	"rmdir":    {},
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"kill":     {},
	"killall":  {},
	"pkill":    {},
	"sudo":     {},
	"su":       {},
	"chmod":    {},
	"chown":    {},
}

// CheckCommand rejects empty commands, command substitution and deny-listed
// programs in any pipeline segment.
func CheckCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return fmt.Errorf("%w: empty command", ErrCommandRejected)
	}
	for _, op := range []string{";", "$(", "`"} {
		if strings.Contains(cmd, op) {
			return fmt.Errorf("%w: disallowed operator %q", ErrCommandRejected, op)
		}
	}
	for _, seg := range splitCommandSegments(cmd) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := denyList[tok]; blocked {
				return fmt.Errorf("%w: %q is on the deny list", ErrCommandRejected, tok)
			}
		}
	}
	return nil
}

// CommandResult is the truncated, redacted outcome of RunCommand.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Combined joins stdout and stderr for display.
func (r CommandResult) Combined() string {
	out := strings.TrimRight(r.Stdout, "\n")
	if e := strings.TrimRight(r.Stderr, "\n"); e != "" {
		if out != "" {
			out += "\n"
		}
		out += e
	}
	if r.ExitCode != 0 {
		out += fmt.Sprintf("\n[exit %d]", r.ExitCode)
	}
	return out
}

// RunCommand validates cmd, runs it through ex with a bounded timeout and
// returns output truncated to 8KB with secrets redacted.
func RunCommand(ctx context.Context, ex Executor, cmd, workDir string, timeout time.Duration) (CommandResult, error) {
	if err := CheckCommand(cmd); err != nil {
		return CommandResult{}, err
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if timeout > MaxCommandTimeout {
		timeout = MaxCommandTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := ex.Exec(execCtx, cmd, workDir)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return CommandResult{Stderr: "command timed out", ExitCode: -1}, nil
		}
		return CommandResult{}, fmt.Errorf("exec: %w", err)
	}
	return CommandResult{
		Stdout:   shared.Redact(truncateOutput(stdout, maxCommandOutput)),
		Stderr:   shared.Redact(truncateOutput(stderr, maxCommandOutput)),
		ExitCode: exitCode,
	}, nil
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

// splitCommandSegments splits a command at pipe and logical operators.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen == 0 {
			if seg := strings.TrimSpace(current); seg != "" {
				segments = append(segments, seg)
			}
			break
		}
		if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
			segments = append(segments, seg)
		}
		current = current[minIdx+matchLen:]
	}
	return segments
}

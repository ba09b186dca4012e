package tools

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestCheckCommand(t *testing.T) {
	ok := []string{"echo hello", "ls -la | grep go", "git status && git log -1"}
	for _, cmd := range ok {
		if err := CheckCommand(cmd); err != nil {
			t.Errorf("CheckCommand(%q) = %v", cmd, err)
		}
	}
	bad := []string{"", "   ", "rm -rf /", "echo hi; reboot", "echo $(whoami)", "echo `id`", "ls | sudo tee x", "true || kill 1"}
	for _, cmd := range bad {
		if err := CheckCommand(cmd); !errors.Is(err, ErrCommandRejected) {
			t.Errorf("CheckCommand(%q) = %v, want rejection", cmd, err)
		}
	}
}

func TestSplitCommandSegments(t *testing.T) {
	tests := []struct {
		cmd      string
		expected []string
	}{
		{"echo hello", []string{"echo hello"}},
		{"echo hello | grep hello", []string{"echo hello", "grep hello"}},
		{"a && b || c", []string{"a", "b", "c"}},
		{"  ", nil},
	}
	for _, tc := range tests {
		if got := splitCommandSegments(tc.cmd); !reflect.DeepEqual(got, tc.expected) {
			t.Errorf("splitCommandSegments(%q) = %#v, want %#v", tc.cmd, got, tc.expected)
		}
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := truncateOutput("hello", 100); got != "hello" {
		t.Fatalf("short output changed: %q", got)
	}
	got := truncateOutput(strings.Repeat("a", 100), 50)
	if !strings.HasSuffix(got, "... (truncated)") || len(got) != 50+len("\n... (truncated)") {
		t.Fatalf("unexpected truncation: %q", got)
	}
}

func TestRunCommand_HostExecutor(t *testing.T) {
	dir := t.TempDir()
	res, err := RunCommand(context.Background(), &HostExecutor{}, "pwd", dir, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, dir[strings.LastIndex(dir, "/")+1:]) {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = RunCommand(context.Background(), &HostExecutor{}, "exit 3", dir, 0)
	if err != nil {
		t.Fatalf("run exit 3: %v", err)
	}
	if res.ExitCode != 3 || !strings.Contains(res.Combined(), "[exit 3]") {
		t.Fatalf("exit code = %d combined=%q", res.ExitCode, res.Combined())
	}
}

func TestRunCommand_RedactsSecrets(t *testing.T) {
	res, err := RunCommand(context.Background(), &HostExecutor{}, "echo sk-ant-REDACTED", "", 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(res.Stdout, "abcdefghijklmnopqrstuvwxyz") {
		t.Fatalf("secret not redacted: %q", res.Stdout)
	}
}

func TestRunCommand_Timeout(t *testing.T) {
	start := time.Now()
	res, err := RunCommand(context.Background(), &HostExecutor{}, "sleep 5", "", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != -1 || res.Stderr != "command timed out" {
		t.Fatalf("unexpected result %+v", res)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout did not kill the command promptly")
	}
}

func TestRunCommand_Rejected(t *testing.T) {
	if _, err := RunCommand(context.Background(), &HostExecutor{}, "sudo ls", "", 0); !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

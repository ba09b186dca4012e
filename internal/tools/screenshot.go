package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

var ErrScreenshotUnavailable = errors.New("screenshot failed: display might not be available")

type captureTool struct {
	name string
	args func(out string) []string
}

// captureTools lists platform capture commands in preference order.
func captureTools() []captureTool {
	if runtime.GOOS == "darwin" {
		return []captureTool{{"screencapture", func(out string) []string { return []string{"-x", out} }}}
	}
	return []captureTool{
		{"grim", func(out string) []string { return []string{out} }},
		{"gnome-screenshot", func(out string) []string { return []string{"-f", out} }},
		{"import", func(out string) []string { return []string{"-window", "root", out} }},
		{"scrot", func(out string) []string { return []string{"-o", out} }},
	}
}

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// Screenshot captures the primary display as PNG.
func Screenshot(ctx context.Context) ([]byte, error) {
	dir, err := os.MkdirTemp("", "gopaw-shot-")
	if err != nil {
		return nil, fmt.Errorf("screenshot temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	out := filepath.Join(dir, "screen.png")

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var lastErr error
	for _, tool := range captureTools() {
		path, err := exec.LookPath(tool.name)
		if err != nil {
			continue
		}
		cmd := exec.CommandContext(ctx, path, tool.args(out)...)
		if err := cmd.Run(); err != nil {
			lastErr = fmt.Errorf("%s: %w", tool.name, err)
			continue
		}
		data, err := os.ReadFile(out)
		if err != nil || !bytes.HasPrefix(data, pngMagic) {
			lastErr = fmt.Errorf("%s produced no png", tool.name)
			continue
		}
		return data, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w (%v)", ErrScreenshotUnavailable, lastErr)
	}
	return nil, ErrScreenshotUnavailable
}

package tools

import (
	"testing"

	"github.com/basket/go-paw/internal/config"
)

func TestDockerSandbox_Config(t *testing.T) {
	sandbox, err := NewDockerSandbox(config.SandboxConfig{Image: "alpine", MemoryMB: 128}, "/tmp/ws")
	if err != nil {
		t.Skip("docker client init failed:", err)
	}
	defer sandbox.Close()

	if sandbox.image != "alpine" {
		t.Errorf("expected alpine, got %s", sandbox.image)
	}
	if sandbox.memoryBytes != 128*1024*1024 {
		t.Errorf("expected 128MB, got %d bytes", sandbox.memoryBytes)
	}
	if sandbox.networkMode != "none" {
		t.Errorf("expected network none, got %s", sandbox.networkMode)
	}
}

func TestNewExecutor_HostWhenSandboxDisabled(t *testing.T) {
	ex, closeFn, err := NewExecutor(config.Defaults())
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	defer closeFn()
	if _, ok := ex.(*HostExecutor); !ok {
		t.Fatalf("executor = %T, want *HostExecutor", ex)
	}
}

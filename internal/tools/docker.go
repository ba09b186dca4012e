package tools

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/basket/go-paw/internal/config"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerSandbox runs each command in an ephemeral container with the jail
// root mounted at /workspace.
type DockerSandbox struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
}

// NewDockerSandbox builds a sandbox from the sandbox settings.
func NewDockerSandbox(cfg config.SandboxConfig, workspace string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	image := cfg.Image
	if image == "" {
		image = "alpine:3.20"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 256
	}
	network := cfg.Network
	if network == "" {
		network = "none"
	}
	return &DockerSandbox{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: network,
		workspace:   workspace,
	}, nil
}

// Ping checks that the daemon answers.
func (d *DockerSandbox) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Exec runs cmd in a fresh container. workDir is ignored; commands start in
// /workspace.
func (d *DockerSandbox) Exec(ctx context.Context, cmd, _ string) (stdout, stderr string, exitCode int, err error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", d.workspace)},
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.client.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.client.ContainerKill(killCtx, id, "SIGKILL")
		return "", "command timed out", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

func (d *DockerSandbox) Close() error {
	return d.client.Close()
}

// NewExecutor returns a DockerSandbox when the sandbox is enabled and the
// host executor otherwise. The returned close func releases the sandbox.
func NewExecutor(s config.Settings) (Executor, func() error, error) {
	if !s.Sandbox.Enabled {
		return &HostExecutor{}, func() error { return nil }, nil
	}
	sb, err := NewDockerSandbox(s.Sandbox, s.JailRoot())
	if err != nil {
		return nil, nil, err
	}
	return sb, sb.Close, nil
}

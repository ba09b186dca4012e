//go:build windows

package tools

import "os/exec"

func ConfigureProcess(cmd *exec.Cmd) {}

func TerminateProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

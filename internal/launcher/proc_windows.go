//go:build windows

package launcher

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// Windows has no SIGTERM; both steps kill the process.
func terminate(cmd *exec.Cmd) { _ = cmd.Process.Kill() }

func kill(cmd *exec.Cmd) { _ = cmd.Process.Kill() }

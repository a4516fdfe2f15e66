//go:build windows

package process

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// terminate kills the process outright; Windows has no SIGTERM delivery
// for console-less children.
func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

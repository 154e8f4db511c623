//go:build windows

package subprocess

import "os/exec"

// Windows has no POSIX process-group signalling; the child is killed
// directly and relies on Go's CommandContext already tearing down the
// handle tree.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func terminateProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

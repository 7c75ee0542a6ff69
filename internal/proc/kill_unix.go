//go:build !windows

package proc

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the subprocess in its own process group so the
// whole tree can be signaled at once.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateTree sends a graceful terminate to the process group.
// A missing process is not an error; DEAD cleanup proceeds
// anyway.
func terminateTree(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
}

// killTree hard-kills the process group.
func killTree(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

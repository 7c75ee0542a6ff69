//go:build windows

package proc

import (
	"os"
	"os/exec"
)

func setProcAttr(cmd *exec.Cmd) {}

// Windows has no process groups in the POSIX sense; kill the
// direct child and let the OS reap the rest.
func terminateTree(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

func killTree(pid int) {
	terminateTree(pid)
}

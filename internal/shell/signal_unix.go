//go:build unix

package shell

import (
	"os"
	"os/exec"
	"syscall"
)

func interruptSignal() os.Signal { return syscall.SIGTERM }

type exitStatus struct{ signal string }

// processState extracts the terminating signal name, if the process
// died from one, from an *exec.ExitError's platform-specific Sys().
func processState(err *exec.ExitError) (exitStatus, bool) {
	status, ok := err.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return exitStatus{}, false
	}
	return exitStatus{signal: status.Signal().String()}, true
}

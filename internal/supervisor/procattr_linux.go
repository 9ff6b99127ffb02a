//go:build linux

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group so signals reach
// everything it forks, and asks the kernel to SIGTERM it if we die first.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// Personal.AI order the ending

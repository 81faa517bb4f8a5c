//go:build unix

package relay

import (
	"os/exec"
	"syscall"
)

// detach puts the child in its own session so terminal signals don't reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

//go:build linux

// Package procgroup runs children in their own process group so a whole
// subprocess tree can be signalled at once.
package procgroup

import (
	"os/exec"
	"syscall"
)

// Set configures cmd to run in its own process group. On Linux the child
// also receives SIGTERM if this process dies without cleaning up.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// Kill sends SIGKILL to the process group led by pid.
func Kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// Terminate sends SIGTERM to the process group led by pid.
func Terminate(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

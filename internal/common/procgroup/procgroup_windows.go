//go:build windows

// Package procgroup runs children in their own process group so a whole
// subprocess tree can be signalled at once.
package procgroup

import (
	"fmt"
	"os/exec"
	"syscall"
)

// Set configures cmd to run in a new process group.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// Kill force-kills the process tree rooted at pid.
func Kill(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}

// Terminate asks the process tree rooted at pid to close. Without /F,
// taskkill sends WM_CLOSE, the closest equivalent of SIGTERM.
func Terminate(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}

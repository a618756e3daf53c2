//go:build windows

package terminal

import "syscall"

func signalName(sig syscall.Signal) string {
	return sig.String()
}

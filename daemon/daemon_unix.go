//go:build !windows

package daemon

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// getSysProcAttr returns platform-specific process attributes for detaching the child process
func getSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func terminateProcess(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

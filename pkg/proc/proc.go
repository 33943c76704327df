// Package proc probes and signals operating system processes. Everything
// that needs to know whether an agent process is still alive goes through
// the Manager interface so tests can substitute a fake kernel.
package proc

import (
	"errors"
	"os"
	"syscall"
)

// Manager probes and signals processes by PID.
type Manager interface {
	// Alive reports whether the process exists. It never sends a real signal.
	Alive(pid int) bool
	// Terminate asks the process to shut down (SIGTERM).
	Terminate(pid int) error
	// Kill forcibly ends the process (SIGKILL).
	Kill(pid int) error
}

// OS returns the Manager backed by the real kernel.
func OS() Manager {
	return unixManager{}
}

type unixManager struct{}

// Alive uses signal 0, which performs the permission and existence checks of
// a signal delivery without delivering anything. EPERM means the process
// exists but belongs to someone else, so it still counts as alive.
func (unixManager) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// os.FindProcess on Unix always succeeds (just wraps the PID).
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func (unixManager) Terminate(pid int) error {
	return signalPID(pid, syscall.SIGTERM)
}

func (unixManager) Kill(pid int) error {
	return signalPID(pid, syscall.SIGKILL)
}

func signalPID(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(sig)
}

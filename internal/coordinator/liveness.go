package coordinator

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// ProcessTable probes and signals processes by id
type ProcessTable interface {
	// Alive reports whether pid exists. Probe errors other than "no such
	// process" count as alive.
	Alive(pid int) bool

	// Signal sends sig to pid
	Signal(pid int, sig syscall.Signal) error
}

// OSProcessTable implements ProcessTable with kill(2)
type OSProcessTable struct{}

// Alive sends signal 0 to pid
func (OSProcessTable) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return !errors.Is(err, unix.ESRCH)
}

// Signal sends sig to pid
func (OSProcessTable) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	return unix.Kill(pid, sig)
}

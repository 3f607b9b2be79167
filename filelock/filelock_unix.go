//go:build !windows

package filelock

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func tryLock(f *os.File, mode Mode) error {
	how := unix.LOCK_EX
	if mode == ModeShared {
		how = unix.LOCK_SH
	}
	return unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
}

func unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func isLockBusy(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}

// processAlive reports whether pid names a live process, via the
// traditional kill(pid, 0) liveness probe. Unlike the signal-0 check
// this is ported from, EPERM (the process exists but is owned by
// another user) counts as alive rather than dead — treating a
// permission error as "gone" would let a live, merely
// differently-owned holder's lockfile be removed out from under it.
func processAlive(pid int) bool {
	err := unix.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, unix.EPERM)
}

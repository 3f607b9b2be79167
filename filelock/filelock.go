// Package filelock implements a multi-process advisory file lock: an
// exclusive, shared, or no-op lock on a sidecar ".lock" file, waited
// on up to a caller-supplied timeout.
package filelock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects the lock discipline.
type Mode int

const (
	ModeNone Mode = iota
	ModeShared
	ModeExclusive
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "none":
		return ModeNone, nil
	case "shared":
		return ModeShared, nil
	case "exclusive":
		return ModeExclusive, nil
	default:
		return 0, fmt.Errorf("filelock: unknown lock mode %q", s)
	}
}

// Lock holds an acquired (or deliberately absent) advisory lock.
type Lock struct {
	mode Mode
	file *os.File
}

// Acquire opens (creating if necessary) the lockfile at path and
// takes a lock in the given mode, retrying until timeout elapses.
// ModeNone returns immediately with a no-op Lock.
//
// On the first contended attempt, Acquire reads the PID a prior
// holder stamped into the lockfile and checks whether that process is
// still alive; if it is not, the lockfile is removed and reacquired
// immediately instead of waiting out the rest of the timeout. On a
// real flock-supporting filesystem a dead process already releases
// its lock automatically, so this mostly matters as a safety net
// against a lockfile left behind on a filesystem (e.g. a stale NFS
// mount) where that guarantee doesn't hold.
func Acquire(path string, mode Mode, timeout time.Duration) (*Lock, error) {
	if mode == ModeNone {
		return &Lock{mode: ModeNone}, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", path, err)
	}

	deadline := time.Now().Add(timeout)
	staleChecked := false
	for {
		lockErr := tryLock(f, mode)
		if lockErr == nil {
			writeHolderPID(f)
			return &Lock{mode: mode, file: f}, nil
		}
		if !isLockBusy(lockErr) {
			f.Close()
			return nil, fmt.Errorf("filelock: lock %s: %w", path, lockErr)
		}
		if !staleChecked {
			staleChecked = true
			if removeIfStale(path) {
				f.Close()
				f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
				if err != nil {
					return nil, fmt.Errorf("filelock: reopen %s after stale lock removal: %w", path, err)
				}
				continue
			}
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("filelock: timed out acquiring %s lock on %s: %w", modeName(mode), path, lockErr)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// writeHolderPID stamps the current process's PID into the just-locked
// file, best-effort; a failure here never fails the acquire itself
// since the PID is only used as a diagnostic hint for the next
// contended opener's stale-lock check.
func writeHolderPID(f *os.File) {
	if _, err := f.Seek(0, 0); err != nil {
		return
	}
	if err := f.Truncate(0); err != nil {
		return
	}
	if _, err := f.Write([]byte(strconv.Itoa(os.Getpid()))); err != nil {
		return
	}
	_ = f.Sync()
}

// removeIfStale reads the PID stamped into the lockfile at path and,
// if that process is no longer alive, removes the file and reports
// true. An unreadable or malformed lockfile is left alone (false) —
// only a positively identified dead holder is cleaned up.
func removeIfStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	if processAlive(pid) {
		return false
	}
	return os.Remove(path) == nil
}

// Release drops the lock and closes the underlying file handle.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = unlock(l.file)
	return l.file.Close()
}

func (l *Lock) Mode() Mode { return l.mode }

func modeName(m Mode) string {
	switch m {
	case ModeExclusive:
		return "exclusive"
	case ModeShared:
		return "shared"
	default:
		return "none"
	}
}

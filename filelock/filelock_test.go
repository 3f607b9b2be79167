package filelock

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"
)

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"":          ModeNone,
		"none":      ModeNone,
		"shared":    ModeShared,
		"exclusive": ModeExclusive,
	}
	for s, want := range cases {
		got, err := ParseMode(s)
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", s, err)
		}
		if got != want {
			t.Fatalf("ParseMode(%q) = %v, wanted %v", s, got, want)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Fatalf("ParseMode(bogus) error = nil, wanted error")
	}
}

func TestAcquireModeNoneIsNoop(t *testing.T) {
	lk, err := Acquire(filepath.Join(t.TempDir(), "store.lock"), ModeNone, time.Second)
	if err != nil {
		t.Fatalf("Acquire(ModeNone): %v", err)
	}
	if lk.Mode() != ModeNone {
		t.Fatalf("Mode() = %v, wanted ModeNone", lk.Mode())
	}
	if err := lk.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestAcquireExclusiveExcludesSecondExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	first, err := Acquire(path, ModeExclusive, time.Second)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	if _, err := Acquire(path, ModeExclusive, 50*time.Millisecond); err == nil {
		t.Fatalf("second exclusive Acquire error = nil, wanted timeout error")
	}
}

func TestAcquireSharedAllowsMultipleReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	first, err := Acquire(path, ModeShared, time.Second)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	second, err := Acquire(path, ModeShared, time.Second)
	if err != nil {
		t.Fatalf("second shared Acquire: %v", err)
	}
	defer second.Release()
}

func TestAcquireExclusiveSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	first, err := Acquire(path, ModeExclusive, time.Second)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := Acquire(path, ModeExclusive, time.Second)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	defer second.Release()
}

func TestAcquireStampsOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	lk, err := Acquire(path, ModeExclusive, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lk.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got, err := strconv.Atoi(string(data))
	if err != nil {
		t.Fatalf("lockfile content %q is not a PID: %v", data, err)
	}
	if got != os.Getpid() {
		t.Fatalf("stamped PID = %d, wanted %d (own pid)", got, os.Getpid())
	}
}

func TestRemoveIfStaleKeepsLiveProcessLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o666); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if removeIfStale(path) {
		t.Fatalf("removeIfStale = true for a live PID, wanted false")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lockfile for a live PID was removed: %v", err)
	}
}

func TestRemoveIfStaleRemovesDeadProcessLock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("processAlive never reports a Windows PID dead; see filelock_windows.go")
	}
	path := filepath.Join(t.TempDir(), "store.lock")
	// A PID astronomically unlikely to be assigned to a live process
	// on any real system (Linux's pid_max tops out well under this).
	const deadPID = 1 << 30
	if err := os.WriteFile(path, []byte(strconv.Itoa(deadPID)), 0o666); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !removeIfStale(path) {
		t.Fatalf("removeIfStale = false for a dead PID, wanted true")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("stale lockfile still present after removeIfStale, stat err = %v", err)
	}
}

func TestRemoveIfStaleLeavesMalformedContentAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o666); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if removeIfStale(path) {
		t.Fatalf("removeIfStale = true for malformed content, wanted false")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lockfile with malformed content was removed: %v", err)
	}
}

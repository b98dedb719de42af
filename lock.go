package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// lockFilePermissions: owner rw, group/other r, so "who holds it" is readable.
const lockFilePermissions = 0o644

// errApplyLocked is returned when another process holds the apply lock.
var errApplyLocked = errors.New("another apply is already running")

// acquireApplyLock takes an exclusive flock on path and writes the current
// PID into it. The mutation stream is single-flight inside a process; the
// lock extends that to every bouncer process sharing the data directory.
// The returned release function drops the lock and removes the file.
func acquireApplyLock(path string) (release func(), err error) {
	if path == "" {
		return nil, errors.New("lock file path is empty, cannot determine data directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	// Non-blocking exclusive lock: fails immediately if another process holds it.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		holder := ""
		if pid, readErr := readLockPID(path); readErr == nil {
			holder = fmt.Sprintf(" (PID %d)", pid)
		}

		return nil, fmt.Errorf("%w%s: could not lock %s", errApplyLocked, holder, path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating lock file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing lock file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("syncing lock file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readLockPID reads the PID of the lock holder.
func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading lock file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

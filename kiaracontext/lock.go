package kiaracontext

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const lockFileName = ".kiara.lock"

// acquireLock takes the advisory context lock at <dir>/.kiara.lock
// (SPEC_FULL.md §5): an O_CREATE|O_EXCL file holding the owning PID. A
// lock left behind by a process that is no longer running is detected
// and reclaimed, with a warning logged.
func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockFileName)

	f, err := tryCreateLock(path)
	if err == nil {
		return f, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("kiaracontext: creating lock file %s: %w", path, err)
	}

	stalePID, staleErr := readLockPID(path)
	if staleErr == nil && !pidRunning(stalePID) {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("kiaracontext: reclaiming stale lock %s: %w", path, rmErr)
		}
		f, err = tryCreateLock(path)
		if err == nil {
			slog.Warn("kiaracontext: reclaimed stale context lock", "path", path, "stale_pid", stalePID)
			return f, nil
		}
	}

	return nil, fmt.Errorf("kiaracontext: context %s is already locked (%s)", dir, path)
}

func tryCreateLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return f, nil
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// pidRunning reports whether pid names a live process, per POSIX
// kill(pid, 0) semantics (no signal delivered, only existence/permission
// checked).
func pidRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// releaseLock removes the lock file this process created.
func releaseLock(f *os.File, dir string) error {
	path := filepath.Join(dir, lockFileName)
	closeErr := f.Close()
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return rmErr
	}
	return closeErr
}

// Package daemonlock enforces that at most one delegated process runs
// against a given home directory at a time, via an advisory file lock
// plus a PID file for diagnostics.
package daemonlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// Lock is a held daemon singleton lock. Release it on shutdown.
type Lock struct {
	fileLock *flock.Flock
	pidFile  string
}

// lockFileName and pidFileName live under <home>/protected/, alongside
// the rest of the daemon's durable state.
const (
	lockFileName = "daemon.lock"
	pidFileName  = "daemon.pid"
)

// Acquire takes the singleton lock for home, or returns an error
// describing the PID already holding it. home/protected is created if
// it doesn't already exist.
func Acquire(home string) (*Lock, error) {
	dir := filepath.Join(home, "protected")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating protected dir: %w", err)
	}

	lockPath := filepath.Join(dir, lockFileName)
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		pidFile := filepath.Join(dir, pidFileName)
		if pid, ok := readLivePID(pidFile); ok {
			return nil, fmt.Errorf("delegated is already running (pid %d)", pid)
		}
		return nil, fmt.Errorf("delegated is already running")
	}

	pidFile := filepath.Join(dir, pidFileName)
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = fileLock.Unlock()
		return nil, fmt.Errorf("writing pid file: %w", err)
	}

	return &Lock{fileLock: fileLock, pidFile: pidFile}, nil
}

// Release drops the lock and removes the PID file.
func (l *Lock) Release() error {
	_ = os.Remove(l.pidFile)
	return l.fileLock.Unlock()
}

// Status reports whether a delegated process currently holds home's lock
// and, if so, its PID — for the CLI's status/stop commands, which must
// not take the lock themselves just to check it.
func Status(home string) (pid int, running bool) {
	pidFile := filepath.Join(home, "protected", pidFileName)
	return readLivePID(pidFile)
}

// readLivePID reads a PID file and reports whether the process it names
// is still alive, so a caller can surface a useful "already running"
// message instead of a bare lock-contention error.
func readLivePID(pidFile string) (int, bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

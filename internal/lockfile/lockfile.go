// Package lockfile provides per-participant file locks so that two generation runs
// for the same participant never overlap.
//
// Locks use flock(2) and are released by the kernel when the process exits, so a
// crashed run never blocks the next one.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockDirName is the subdirectory of the output directory that holds lock files.
const LockDirName = ".locks"

// Lock represents a held participant lock.
type Lock struct {
	file     *os.File
	path     string
	name     string
	acquired bool
}

// LockPath returns the lock file path for name under dir.
func LockPath(dir, name string) string {
	return filepath.Join(dir, LockDirName, name+".lock")
}

// AcquireLock takes an exclusive, non-blocking lock for name under dir. If another
// run holds it, a *LockError describes the holder.
func AcquireLock(dir, name string) (*Lock, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid lock name %q", name)
	}
	lockPath := LockPath(dir, name)
	lockDir := filepath.Dir(lockPath)

	slog.Debug("AcquireLock: attempting", "lock_path", lockPath, "name", name)

	if err := os.MkdirAll(lockDir, 0755); err != nil {
		slog.Error("AcquireLock: failed to create lock directory", "error", err, "dir", lockDir)
		return nil, fmt.Errorf("failed to create lock directory %s: %w", lockDir, err)
	}

	// Not truncated until the lock is held so a conflicting run can still read the holder.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		slog.Error("AcquireLock: failed to open lock file", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockInfo := readExistingLockInfo(lockPath)

		slog.Warn("AcquireLock: generation already running",
			"error", err, "lock_path", lockPath, "name", name, "existing_lock_info", lockInfo)

		return nil, &LockError{
			Name:         name,
			LockPath:     lockPath,
			ExistingInfo: lockInfo,
			Cause:        err,
		}
	}

	lockInfo := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := writeLockInfo(file, lockInfo); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()

		slog.Error("AcquireLock: failed to write lock information", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Debug("AcquireLock: acquired", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, name: name, acquired: true}, nil
}

func writeLockInfo(file *os.File, info string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("AcquireLock: failed to sync lock file", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Release releases the lock and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	// Remove while still holding the flock so a waiting run opens a fresh file.
	if err := os.Remove(l.path); err != nil {
		slog.Error("Lock.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lock.Release: failed to release flock", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lock.Release: failed to close lock file", "error", err, "lock_path", l.path)
	}

	l.acquired = false
	l.file = nil

	slog.Debug("Lock.Release: released", "lock_path", l.path, "name", l.name)
	return nil
}

// LockError is returned when another run already holds the lock.
type LockError struct {
	Name         string
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("a generation run for %s is already in progress (lock file: %s)", e.Name, e.LockPath)
	if e.ExistingInfo != "" {
		msg += fmt.Sprintf("; holder: %s", e.ExistingInfo)
	}
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readExistingLockInfo describes the process recorded in a lock file, or returns a
// placeholder when the file cannot be read.
func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}

	content := string(data)
	if content == "" {
		return "lock file exists but contains no process information"
	}

	if pid := extractPIDFromLockInfo(content); pid > 0 {
		if isProcessRunning(pid) {
			return fmt.Sprintf("PID %d (running)", pid)
		}
		return fmt.Sprintf("PID %d (not running)", pid)
	}

	return fmt.Sprintf("process information: %s", strings.TrimSpace(content))
}

// extractPIDFromLockInfo reads the value of a "pid=NNNN" line.
func extractPIDFromLockInfo(content string) int {
	const pidPrefix = "pid="
	if idx := strings.Index(content, pidPrefix); idx != -1 {
		start := idx + len(pidPrefix)
		end := start
		for end < len(content) && content[end] >= '0' && content[end] <= '9' {
			end++
		}
		if end > start {
			if pid, err := strconv.Atoi(content[start:end]); err == nil {
				return pid
			}
		}
	}
	return 0
}

// isProcessRunning sends signal 0 to pid to test for its existence.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

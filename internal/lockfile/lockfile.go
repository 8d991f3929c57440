// Package lockfile guards a messaging instance against being served by two
// ChatBridge processes at once.
//
// Each instance gets its own lock file in the state directory. Locks are
// flock-based and released by the kernel when the process exits, so a crash
// never leaves an instance permanently locked.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFilePrefix starts the name of every instance lock file.
const LockFilePrefix = "chatbridge-"

// LockFileName returns the lock file name for an instance.
func LockFileName(instance string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, instance)
	return LockFilePrefix + safe + ".lock"
}

// Lock is a held instance lock.
type Lock struct {
	file     *os.File
	path     string
	instance string
	acquired bool
}

// AcquireLock takes the exclusive lock for instance in stateDir. When another
// process holds it, the returned error is a *LockError describing the holder.
func AcquireLock(stateDir, instance string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName(instance))
	slog.Debug("lockfile.AcquireLock: acquiring", "lock_path", lockPath, "instance", instance)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC is deferred until the lock is held so a losing process does not
	// wipe the holder's pid.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := readHolder(lockPath)
		slog.Error("lockfile.AcquireLock: instance already served", "instance", instance, "lock_path", lockPath, "holder", holder, "error", err)
		return nil, &LockError{Instance: instance, LockPath: lockPath, Holder: holder, Cause: err}
	}

	if err := writeHolder(file, instance); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.AcquireLock: sync failed", "lock_path", lockPath, "error", err)
	}

	slog.Info("lockfile.AcquireLock: lock held", "instance", instance, "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, instance: instance, acquired: true}, nil
}

// AcquireAll locks every instance, releasing those already taken if one fails.
func AcquireAll(stateDir string, instances []string) ([]*Lock, error) {
	locks := make([]*Lock, 0, len(instances))
	for _, inst := range instances {
		l, err := AcquireLock(stateDir, inst)
		if err != nil {
			ReleaseAll(locks)
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, nil
}

// ReleaseAll releases locks in reverse acquisition order.
func ReleaseAll(locks []*Lock) {
	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].Release()
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Calling it twice is harmless.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lock.Release: failed to release flock", "lock_path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lock.Release: failed to close lock file", "lock_path", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	l.acquired = false
	l.file = nil
	slog.Info("Lock.Release: lock released", "instance", l.instance, "lock_path", l.path)
	return nil
}

// LockError reports an instance already locked by another process.
type LockError struct {
	Instance string
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("instance %q is already served by another ChatBridge process (lock file %s", e.Instance, e.LockPath)
	if e.Holder != "" {
		msg += ", holder " + e.Holder
	}
	return msg + "); if no such process exists, remove the lock file and retry"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func writeHolder(file *os.File, instance string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	_, err := file.WriteAt([]byte(fmt.Sprintf("pid=%d\ninstance=%s\n", os.Getpid(), instance)), 0)
	return err
}

// readHolder describes the process recorded in a lock file.
func readHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return strings.TrimSpace(string(data))
	}
	if processRunning(pid) {
		return fmt.Sprintf("PID %d (running)", pid)
	}
	return fmt.Sprintf("PID %d (not running)", pid)
}

// parsePID extracts the value of the pid= line.
func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid="); ok {
			if pid, err := strconv.Atoi(v); err == nil {
				return pid
			}
		}
	}
	return 0
}

// processRunning probes pid with signal 0.
func processRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

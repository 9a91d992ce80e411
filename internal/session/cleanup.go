package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	. "github.com/llxprt/llxprt/internal/logging"
)

// LockPath returns the sidecar lock for a session file.
func LockPath(sessionPath string) string {
	return sessionPath + ".lock"
}

// lockOwner reads the PID from a lock file; 0 when unreadable.
func lockOwner(lockPath string) int {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0
	}
	var lf lockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return 0
	}
	return lf.PID
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Disposition says what cleanup may do with a session file.
type Disposition int

const (
	// DeleteSession: no lock exists, nothing is writing; the file may go.
	DeleteSession Disposition = iota
	// KeepLive: a live process owns the lock; leave everything alone.
	KeepLive
	// DropStaleLock: the lock's owner is dead or unreadable; remove only
	// the lock, the session file survives.
	DropStaleLock
)

// Classify decides the cleanup disposition for one session file.
func Classify(sessionPath string) Disposition {
	lock := LockPath(sessionPath)
	if _, err := os.Stat(lock); os.IsNotExist(err) {
		return DeleteSession
	}
	if pidAlive(lockOwner(lock)) {
		return KeepLive
	}
	return DropStaleLock
}

// CleanupStaleLocks removes lock files whose owning process is gone, and
// orphaned locks with no session file at all. Live locks survive. Returns
// how many locks were removed.
func CleanupStaleLocks(dir string) (int, error) {
	locks, err := filepath.Glob(filepath.Join(dir, "session-*.jsonl.lock"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, lock := range locks {
		sessionPath := strings.TrimSuffix(lock, ".lock")
		if _, err := os.Stat(sessionPath); os.IsNotExist(err) {
			// Orphaned lock: nothing to protect.
			if os.Remove(lock) == nil {
				removed++
				L_debug("session: removed orphaned lock", "path", lock)
			}
			continue
		}
		if pidAlive(lockOwner(lock)) {
			continue
		}
		if os.Remove(lock) == nil {
			removed++
			L_debug("session: removed stale lock", "path", lock)
		}
	}
	return removed, nil
}

// DeleteEmptySessions removes finished sessions that never recorded
// conversation content. Live sessions are untouched; stale locks are
// dropped but their files kept for a later pass. Returns deleted count.
func DeleteEmptySessions(dir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "session-*.jsonl"))
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, path := range files {
		switch Classify(path) {
		case KeepLive:
			continue
		case DropStaleLock:
			if os.Remove(LockPath(path)) == nil {
				L_debug("session: removed stale lock", "path", LockPath(path))
			}
			continue
		case DeleteSession:
			if HasContentEvents(path) {
				continue
			}
			if err := os.Remove(path); err == nil {
				deleted++
				L_debug("session: deleted empty session", "path", path)
			}
		}
	}
	return deleted, nil
}

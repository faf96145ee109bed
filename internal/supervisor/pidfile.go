package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidLock prevents two daemons from sharing one database. Two schedulers
// on the same store would double-dispatch tasks, so the first daemon
// writes its PID next to the database and later ones refuse to start.
type pidLock struct {
	path string
}

func newPIDLock(dbPath string) *pidLock {
	return &pidLock{path: filepath.Join(filepath.Dir(dbPath), "orca.pid")}
}

// acquire claims the lock, clearing a stale file left by a dead process.
func (l *pidLock) acquire() error {
	if data, err := os.ReadFile(l.path); err == nil {
		if pid, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil && processAlive(pid) {
			return fmt.Errorf("another orca daemon is running (pid %d); stop it or remove %s", pid, l.path)
		}
		// Stale or garbled; reclaim.
		_ = os.Remove(l.path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read pid file %s: %w", l.path, err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file %s: %w", l.path, err)
	}
	return nil
}

// release removes the PID file. Safe to call when the file is gone.
func (l *pidLock) release() {
	_ = os.Remove(l.path)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix; signal 0 probes the process.
	return proc.Signal(syscall.Signal(0)) == nil
}

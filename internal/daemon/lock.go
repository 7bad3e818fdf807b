package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLockHeld means another live daemon owns the lock file
var ErrLockHeld = errors.New("another autofixd instance is already running")

// Lock is an acquired single-instance lock file
type Lock struct {
	path string
}

// AcquireLock creates the lock file at path holding the current PID. A lock
// left behind by a dead process is removed and recreated.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := createLockFile(path, strconv.Itoa(os.Getpid())+"\n")
		if err == nil {
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}

		pid, ok := readLockPID(path)
		if ok && isProcessAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrLockHeld, pid, path)
		}

		// Stale: the recorded process is gone or the file is unreadable.
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}

	return nil, fmt.Errorf("%w (lock %s keeps reappearing)", ErrLockHeld, path)
}

// Path returns the lock file location
func (l *Lock) Path() string {
	return l.path
}

// Release removes the lock file
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// createLockFile writes content to a temp file and hard-links it to path, so
// the lock appears fully written or not at all. It returns an error wrapping
// fs.ErrExist when path already exists.
func createLockFile(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, werr := tmp.WriteString(content)
	if werr == nil {
		werr = tmp.Chmod(0o644)
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("failed to write lock file: %w", werr)
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	return nil
}

func readLockPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// isProcessAlive sends signal 0 to pid. Our own PID counts as dead: it can
// only appear in a lock we do not hold after a PID was reused.
func isProcessAlive(pid int) bool {
	if pid == os.Getpid() {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM: the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}

// Package lockfile keeps a single steward instance per vault. The lock is a
// file holding the owner's PID; a lock whose owner is gone is reclaimed.
package lockfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrLocked is returned when a live process holds the lock.
var ErrLocked = errors.New("vault is locked by another steward process")

// ErrIncomplete is returned by Read for a lock file that exists but holds no
// PID yet: its owner has created it and not finished writing.
var ErrIncomplete = errors.New("lock file is empty")

// settle is how long Acquire lets an empty or unparsable lock be written
// before it treats the lock as abandoned.
var settle = 250 * time.Millisecond

// Lock is a held instance lock.
type Lock struct {
	path string
	pid  int
}

// Holder describes the current owner of a lock file.
type Holder struct {
	PID   int
	Alive bool
}

// Acquire takes the lock at path for the current process. A live holder
// yields an error wrapping ErrLocked unless force is set. Stale locks are
// replaced, and so are unreadable ones that stay unreadable for the settle
// interval.
func Acquire(path string, force bool) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	pid := os.Getpid()

	// Two tries: the second follows removal of a stale lock.
	for range 2 {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(pid) + "\n")
			if werr == nil {
				werr = f.Sync()
			}
			cerr := f.Close()
			if werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to write lock: %w", werr)
			}
			return &Lock{path: path, pid: pid}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create lock: %w", err)
		}

		holder, herr := Read(path)
		if herr != nil && !errors.Is(herr, fs.ErrNotExist) {
			time.Sleep(settle)
			holder, herr = Read(path)
		}
		switch {
		case errors.Is(herr, fs.ErrNotExist):
			continue
		case herr == nil && holder.Alive && holder.PID != pid && !force:
			return nil, fmt.Errorf("%w (pid %d)", ErrLocked, holder.PID)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: lock changed hands while acquiring", ErrLocked)
}

// Read reports who holds the lock at path. An empty file yields
// ErrIncomplete; other unparsable content is an error.
func Read(path string) (Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return Holder{}, ErrIncomplete
	}
	pid, err := strconv.Atoi(content)
	if err != nil || pid <= 0 {
		return Holder{}, fmt.Errorf("invalid lock content %q", content)
	}
	return Holder{PID: pid, Alive: processAlive(pid)}, nil
}

// PID returns the process that holds the lock.
func (l *Lock) PID() int { return l.pid }

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release removes the lock if this process still owns it.
func (l *Lock) Release() error {
	holder, err := Read(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && holder.PID != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to someone else.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Package lock implements the repository's advisory file locking
// discipline (spec §4.6): non-blocking exclusive acquisition, blocking
// shared acquisition, non-reentrant, released by the OS on crash.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// ErrNotExclusive is returned when a non-blocking exclusive lock
// attempt finds the target already held.
var ErrNotExclusive = errors.New("lock: failed to acquire exclusive lock")

// ErrReentrant is returned when a lock target is requested while
// already held by the same Locker; locking here is not reentrant by
// design, matching the repository's run_with_backup_lock contract.
var ErrReentrant = errors.New("lock: not re-entrant")

// Locker owns a set of named lock targets (files) inside a directory,
// each independently lockable. One Locker must not be used from
// multiple goroutines concurrently for the same target.
type Locker struct {
	dir string

	mu     sync.Mutex
	active map[string]*flock.Flock
}

// New returns a Locker whose lock targets live under dir.
func New(dir string) *Locker {
	return &Locker{dir: dir, active: make(map[string]*flock.Flock)}
}

// WithExclusive runs fn while holding target locked exclusively. It
// fails immediately (ErrNotExclusive) if another holder has it. Pass
// skipLock=true to run fn without acquiring anything, for callers that
// already hold the lock and must not re-enter it.
func (l *Locker) WithExclusive(target string, skipLock bool, fn func() error) error {
	if skipLock {
		return fn()
	}
	fl, err := l.acquire(target)
	if err != nil {
		return err
	}
	defer l.release(target, fl)

	ok, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock: exclusive %s: %w", target, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotExclusive, target)
	}
	defer fl.Unlock()
	return fn()
}

// WithShared runs fn while holding target locked in shared mode,
// blocking until it is available.
func (l *Locker) WithShared(target string, skipLock bool, fn func() error) error {
	if skipLock {
		return fn()
	}
	fl, err := l.acquire(target)
	if err != nil {
		return err
	}
	defer l.release(target, fl)

	if err := fl.RLock(); err != nil {
		return fmt.Errorf("lock: shared %s: %w", target, err)
	}
	defer fl.Unlock()
	return fn()
}

func (l *Locker) acquire(target string) (*flock.Flock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[target]; busy {
		return nil, fmt.Errorf("%w: %s", ErrReentrant, target)
	}
	path := filepath.Join(l.dir, target)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o640); err == nil {
			f.Close()
		}
	}
	fl := flock.New(path)
	l.active[target] = fl
	return fl, nil
}

func (l *Locker) release(target string, fl *flock.Flock) {
	l.mu.Lock()
	delete(l.active, target)
	l.mu.Unlock()
	fl.Close()
}

// LockDaemonDir acquires the process-level daemon base-directory lock
// (spec §4.6). Callers exit with code 69 (EX_UNAVAILABLE) on failure.
func LockDaemonDir(baseDir string) (*flock.Flock, error) {
	path := baseDir + ".lock"
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock: daemon dir %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: daemon base dir %s already locked", ErrNotExclusive, baseDir)
	}
	return fl, nil
}

// ExitCodeDaemonLocked is the exit code used when a second daemon
// fails to acquire the base-directory lock (sysexits.h EX_UNAVAILABLE).
const ExitCodeDaemonLocked = 69

// Package runguard provides an exclusive, non-blocking process lock so that at most
// one tick or reconciliation runs at a time.
package runguard

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// DefaultPath lock file used when none is configured.
const DefaultPath = "./storage/boringbot.lock"

// Guard held lock. The lock is released by Release or by process exit.
type Guard struct {
	f *os.File
}

// Acquire tries to take the lock at path without blocking.
// acquired is false when another process holds it.
func Acquire(path string) (g *Guard, acquired bool, err error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, errors.Wrap(err, "create lock directory")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, errors.Wrapf(err, "open lock file %s", path)
	}

	ok, err := tryLock(f)
	if err != nil {
		_ = f.Close()
		return nil, false, errors.Wrapf(err, "lock %s", path)
	}
	if !ok {
		_ = f.Close()
		return nil, false, nil
	}

	// informational only, the lock itself is the flock
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Guard{f: f}, true, nil
}

// Release unlocks and closes the lock file. Safe to call on a nil guard and more than once.
func (g *Guard) Release() error {
	if g == nil || g.f == nil {
		return nil
	}
	f := g.f
	g.f = nil

	unlockErr := unlock(f)
	closeErr := f.Close()
	if unlockErr != nil {
		return errors.Wrap(unlockErr, "unlock")
	}
	return errors.Wrap(closeErr, "close lock file")
}

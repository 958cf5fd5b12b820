// Package lockfile guards the embranch daemon singleton. One daemon
// per working copy; a second serve command fails fast instead of
// racing the first for the Dolt working set.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ErrLocked indicates the lock is held by another process.
var ErrLocked = errors.New("server lock already held by another process")

// Lock is a held daemon lock.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the daemon lock under root/.dmms. The lock file records
// the holder's PID for diagnostics.
func Acquire(root string) (*Lock, error) {
	dir := filepath.Join(root, ".dmms")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	path := filepath.Join(dir, "server.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	return &Lock{f: f, path: path}, nil
}

// Release drops the lock and removes the lock file.
func (l *Lock) Release() {
	if l == nil || l.f == nil {
		return
	}
	_ = flockUnlock(l.f)
	_ = l.f.Close()
	_ = os.Remove(l.path)
	l.f = nil
}

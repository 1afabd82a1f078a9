// OS-level advisory file locking for the single-writer invariant (§4.6
// "Locking"). Adapted from jpl-au-folio's lock.go/lock_unix.go/
// lock_windows.go: flock(2) on Unix, LockFileEx on Windows, both guarded by
// a mutex so Close cannot race a concurrent syscall on the same fd.
package vfs

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/jdb-go/jdb/internal/base"
)

type fileLock struct {
	mu sync.Mutex
	f  *os.File
}

func (l *fileLock) lock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.lockExclusive()
}

func (l *fileLock) unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.unlockFile()
}

func (l *fileLock) setFile(f *os.File) {
	l.mu.Lock()
	l.f = f
	l.mu.Unlock()
}

// Lock is the directory-level advisory lock acquired for the lifetime of a
// database handle (§5 "Directory advisory lock: exclusive, held for the
// lifetime of the database handle.").
type Lock struct {
	path string
	fl   *fileLock
}

// AcquireLock opens (creating if necessary) dir/lock/wal and takes an
// exclusive, non-blocking-at-the-semantic-level advisory lock on it. A
// second process attempting to open the same directory receives
// base.KindLocked.
func AcquireLock(dir string) (*Lock, error) {
	path := filepath.Join(dir, "lock", "wal")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, base.WrapError(base.KindIO, err, "create lock dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, base.WrapError(base.KindIO, err, "open lock file")
	}
	fl := &fileLock{}
	fl.setFile(f)
	if err := fl.lock(); err != nil {
		f.Close()
		return nil, base.WrapError(base.KindLocked, err, "directory %s already held", dir)
	}
	return &Lock{path: path, fl: fl}, nil
}

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	err := l.fl.unlock()
	f := l.fl.f
	l.fl.setFile(nil)
	if f != nil {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = base.WrapError(base.KindIO, cerr, "close lock file")
		}
	}
	return err
}

package vfs

import (
	"bufio"
	"os"

	"github.com/jdb-go/jdb/internal/base"
)

// AtomicWriter writes to "path.tmp" under an exclusive lock and only
// becomes visible at "path" once Rename succeeds, matching §4.4 and
// original_source/jdb_fs/src/atom_write.rs. It backs checkpoint rewrites,
// SSTable builds and compact-log rewrites (C7/C10/C14).
type AtomicWriter struct {
	path string
	tmp  string
	f    *os.File
	w    *bufio.Writer
	done bool
}

// CreateAtomic opens path+".tmp" for writing.
func CreateAtomic(path string) (*AtomicWriter, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, base.WrapError(base.KindIO, err, "create %s", tmp)
	}
	// The lock is released when Rename or Abort closes the handle.
	if err := (&fileLock{f: f}).lock(); err != nil {
		f.Close()
		return nil, base.WrapError(base.KindLocked, err, "lock %s", tmp)
	}
	return &AtomicWriter{path: path, tmp: tmp, f: f, w: bufio.NewWriterSize(f, 64<<10)}, nil
}

// Write implements io.Writer against the buffered temp file.
func (a *AtomicWriter) Write(p []byte) (int, error) {
	n, err := a.w.Write(p)
	if err != nil {
		return n, base.WrapError(base.KindIO, err, "write %s", a.tmp)
	}
	return n, nil
}

// Rename flushes, fsyncs, closes and renames the temp file into place,
// then fsyncs the containing directory so the rename itself is durable.
func (a *AtomicWriter) Rename() error {
	if a.done {
		return base.NewError(base.KindInternal, "atomic writer %s already finished", a.path)
	}
	if err := a.w.Flush(); err != nil {
		return base.WrapError(base.KindIO, err, "flush %s", a.tmp)
	}
	if err := a.f.Sync(); err != nil {
		return base.WrapError(base.KindIO, err, "sync %s", a.tmp)
	}
	if err := a.f.Close(); err != nil {
		return base.WrapError(base.KindIO, err, "close %s", a.tmp)
	}
	a.done = true
	if err := Rename(a.tmp, a.path); err != nil {
		return err
	}
	return SyncDir(a.path)
}

// Abort removes the temp file without renaming it into place. Safe to call
// after Rename (no-op) and idempotently on error paths.
func (a *AtomicWriter) Abort() {
	if a.done {
		return
	}
	a.done = true
	a.f.Close()
	_ = Remove(a.tmp)
}

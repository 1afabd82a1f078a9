//go:build unix || linux || darwin

package vfs

import "golang.org/x/sys/unix"

// lockExclusive takes a non-blocking exclusive flock (LOCK_NB), adapted from
// jpl-au-folio's lock_unix.go: a second opener fails at once instead of
// waiting, and AcquireLock reports that as base.KindLocked.
func (l *fileLock) lockExclusive() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func (l *fileLock) unlockFile() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

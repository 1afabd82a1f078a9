//go:build windows

package vfs

import (
	"syscall"
	"unsafe"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procUnlockFileEx = modkernel32.NewProc("UnlockFileEx")
)

const (
	lockfileFailImmediately = 0x00000001
	lockfileExclusiveLock   = 0x00000002
)

// lockExclusive adapts jpl-au-folio's lock_windows.go: a non-blocking
// LockFileEx over the whole file region that fails at once if another
// handle already holds it.
func (l *fileLock) lockExclusive() error {
	h := syscall.Handle(l.f.Fd())
	var overlapped syscall.Overlapped
	r1, _, err := procLockFileEx.Call(
		uintptr(h), uintptr(lockfileExclusiveLock|lockfileFailImmediately), 0, 0xFFFFFFFF, 0xFFFFFFFF,
		uintptr(unsafe.Pointer(&overlapped)),
	)
	if r1 == 0 {
		return err
	}
	return nil
}

func (l *fileLock) unlockFile() error {
	h := syscall.Handle(l.f.Fd())
	var overlapped syscall.Overlapped
	r1, _, err := procUnlockFileEx.Call(
		uintptr(h), 0, 0xFFFFFFFF, 0xFFFFFFFF, uintptr(unsafe.Pointer(&overlapped)),
	)
	if r1 == 0 {
		return err
	}
	return nil
}

//go:build darwin

package vfs

import (
	"os"

	"golang.org/x/sys/unix"
)

// openDSync approximates write-through durability on macOS via F_NOCACHE,
// per §4.1 ("macOS F_NOCACHE + consistency semantics").
func openDSync(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	_, _, _ = unix.Syscall(unix.SYS_FCNTL, f.Fd(), unix.F_NOCACHE, 1)
	return f, nil
}

func openDirect(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	_, _, _ = unix.Syscall(unix.SYS_FCNTL, f.Fd(), unix.F_NOCACHE, 1)
	return f, nil
}

func preallocate(f *os.File, size int64) error {
	store := unix.Fstore_t{
		Flags:   unix.F_ALLOCATECONTIG,
		Posmode: unix.F_PEOFPOSMODE,
		Length:  size,
	}
	if err := unix.FcntlFstore(f.Fd(), unix.F_PREALLOCATE, &store); err != nil {
		// Contiguous allocation failed; fall back to non-contiguous, per
		// §4.1 "F_PREALLOCATE contiguous-then-fallback".
		store.Flags = unix.F_ALLOCATEALL
		if err2 := unix.FcntlFstore(f.Fd(), unix.F_PREALLOCATE, &store); err2 != nil {
			return err2
		}
	}
	return f.Truncate(size)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	return d.Sync()
}

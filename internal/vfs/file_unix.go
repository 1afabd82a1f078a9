//go:build linux

package vfs

import (
	"os"

	"golang.org/x/sys/unix"
)

func openDSync(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR|unix.O_DSYNC, 0o644)
}

func openDirect(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_DIRECT, 0)
	if err != nil {
		// Not every filesystem (e.g. tmpfs, overlayfs variants) supports
		// O_DIRECT; direct I/O is a performance hint, not a correctness
		// requirement, so fall back to a regular handle.
		return os.OpenFile(path, os.O_RDONLY, 0)
	}
	return f, nil
}

func preallocate(f *os.File, size int64) error {
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	return d.Sync()
}

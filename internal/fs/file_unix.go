package fs

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func fixpath(name string) string {
	return name
}

// Fdatasync flushes a file's data to stable storage. Metadata-only
// updates are skipped where the platform allows it.
func Fdatasync(f *os.File) error {
	err := unix.Fdatasync(int(f.Fd()))

	// ignore the error if the FS does not support syncing (e.g. some FUSE mounts)
	if err != nil && isNotSupported(err) {
		return nil
	}

	return err
}

// isNotSupported returns true if the error is caused by an unsupported file system feature.
func isNotSupported(err error) bool {
	if perr, ok := err.(*os.PathError); ok && perr.Err == syscall.ENOTSUP {
		return true
	}
	if err == unix.ENOTSUP || err == unix.EINVAL {
		return true
	}
	return false
}

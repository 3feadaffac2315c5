package vault

import "golang.org/x/sys/unix"

func lock(b []byte) error {
	return unix.Mlock(b)
}

func release(b []byte) {
	// Munlock of pages that were never locked is harmless.
	unix.Munlock(b)
}

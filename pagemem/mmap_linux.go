//go:build linux

package pagemem

import "golang.org/x/sys/unix"

// mapAnonymous maps an anonymous, private, page-backed region.
func mapAnonymous(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
}

func unmap(b []byte) error { return unix.Munmap(b) }

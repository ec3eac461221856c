//go:build linux

package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// alloc reserves an isolated private anonymous mapping for one region.
// A separate mapping per execution keeps fault handling and accounting
// for one canister's memory strictly apart from every other's.
func alloc(size uint64) ([]byte, func() error, error) {
	if size == 0 {
		return nil, nil, nil
	}
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	unmap := func() error {
		return unix.Munmap(data)
	}
	return data, unmap, nil
}

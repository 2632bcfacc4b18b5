package dma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocMemory maps anonymous memory outside of the Go heap so that the garbage
// collector never moves or frees it underneath the device.
func allocMemory(size int) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, err
	}

	release := func() error {
		if err := unix.Munmap(mem); err != nil {
			return fmt.Errorf("release dma memory: %w", err)
		}
		return nil
	}

	return mem, release, nil
}

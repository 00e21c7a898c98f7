//go:build linux

package i2s

import (
	"golang.org/x/sys/unix"
)

// allocBufferMemory maps an anonymous region for pool buffers and locks it in memory,
// so the interrupt path never takes a page fault on buffer access.
// Locking is best effort, as RLIMIT_MEMLOCK is often small for unprivileged processes.
func allocBufferMemory(size int) ([]byte, func(), error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}

	locked := unix.Mlock(buf) == nil

	return buf, func() {
		if locked {
			_ = unix.Munlock(buf)
		}
		_ = unix.Munmap(buf)
	}, nil
}

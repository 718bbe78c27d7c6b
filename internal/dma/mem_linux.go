//go:build linux

package dma

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var pageSize = unix.Getpagesize()

// mapMemory returns an anonymous shared mapping of at least size bytes.
func mapMemory(size int) ([]byte, error) {
	n := roundUp(size, pageSize)
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %d bytes", n)
	}
	return mem, nil
}

func unmapMemory(mem []byte) error {
	return unix.Munmap(mem)
}

// flushRange writes back the pages covering [off, off+n).
func flushRange(mem []byte, off, n int) error {
	start := off &^ (pageSize - 1)
	end := roundUp(off+n, pageSize)
	if end > len(mem) {
		end = len(mem)
	}
	if err := unix.Msync(mem[start:end], unix.MS_SYNC); err != nil {
		return errors.Wrapf(err, "msync %d+%d", start, end-start)
	}
	return nil
}

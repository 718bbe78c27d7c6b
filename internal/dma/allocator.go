package dma

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/logger"
)

// Allocator hands out device-visible buffers.
type Allocator interface {
	Alloc(size int, dir Direction) (*Buffer, error)
}

// DefaultIOVABase is the first device address HostAllocator assigns.
const DefaultIOVABase = 0x1_0000_0000

// HostAllocator backs buffers with host mappings and assigns them device
// addresses from a linear window. It also answers device address lookups, the
// way an IOMMU would, for the firmware emulator.
type HostAllocator struct {
	mu      sync.Mutex
	next    uint64
	buffers map[uint64]*Buffer
}

// NewHostAllocator returns an allocator assigning addresses from base.
func NewHostAllocator(base uint64) *HostAllocator {
	return &HostAllocator{
		next:    base,
		buffers: make(map[uint64]*Buffer),
	}
}

// Alloc maps a new buffer of size bytes.
func (a *HostAllocator) Alloc(size int, dir Direction) (*Buffer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(api.ErrInvalidArgument, "dma alloc of %d bytes", size)
	}
	mem, err := mapMemory(size)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b := &Buffer{
		mem:     mem,
		size:    size,
		devAddr: a.next,
		dir:     dir,
		release: a.release,
	}
	a.next += uint64(len(mem))
	a.buffers[b.devAddr] = b

	logger.Debug("dma alloc %d bytes %s at 0x%x", size, dir, b.devAddr)
	return b, nil
}

func (a *HostAllocator) release(b *Buffer) {
	a.mu.Lock()
	delete(a.buffers, b.devAddr)
	a.mu.Unlock()

	if err := unmapMemory(b.mem); err != nil {
		logger.Warn("dma free at 0x%x: %v", b.devAddr, err)
	}
	logger.Debug("dma free %d bytes at 0x%x", b.size, b.devAddr)
}

// Lookup returns the host view of [addr, addr+size) if it lies inside a live
// buffer.
func (a *HostAllocator) Lookup(addr uint64, size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for base, b := range a.buffers {
		if addr >= base && addr+uint64(size) <= base+uint64(b.size) {
			off := addr - base
			return b.mem[off : off+uint64(size)], nil
		}
	}
	return nil, errors.Wrapf(api.ErrIOFault, "no buffer maps 0x%x+%d", addr, size)
}

// Live returns the number of buffers not yet freed.
func (a *HostAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Package dma manages host memory that firmware reads and writes.
//
// A Buffer pairs a host mapping with the device address firmware uses for
// it. Writes made by the host become visible to firmware only after Flush.
// Buffers are released with Free, which is idempotent so cleanup paths can
// call it unconditionally.
package dma

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
)

// Direction is the data direction of a buffer.
type Direction int

const (
	// ToDevice buffers are written by the host and read by firmware.
	ToDevice Direction = iota

	// FromDevice buffers are written by firmware and read by the host.
	FromDevice

	// Bidirectional buffers are accessed by both sides.
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	default:
		return "bidirectional"
	}
}

// Buffer is a device-visible memory region.
type Buffer struct {
	mu      sync.Mutex
	mem     []byte
	size    int
	devAddr uint64
	dir     Direction
	release func(*Buffer)
	freed   bool
}

// Bytes returns the host view of the buffer. It is nil after Free.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil
	}
	return b.mem[:b.size]
}

// DevAddr returns the address firmware uses for the buffer.
func (b *Buffer) DevAddr() uint64 { return b.devAddr }

// Size returns the requested size of the buffer.
func (b *Buffer) Size() int { return b.size }

// Direction returns the data direction the buffer was allocated for.
func (b *Buffer) Direction() Direction { return b.dir }

// Flush makes host writes to [off, off+n) visible to the device.
func (b *Buffer) Flush(off, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return errors.Wrap(api.ErrInvalidArgument, "flush of freed buffer")
	}
	if off < 0 || n < 0 || off+n > b.size {
		return errors.Wrapf(api.ErrInvalidArgument, "flush range %d+%d outside buffer of %d bytes", off, n, b.size)
	}
	if n == 0 {
		return nil
	}
	return flushRange(b.mem, off, n)
}

// Free releases the buffer. Calling Free more than once is harmless.
func (b *Buffer) Free() {
	b.mu.Lock()
	if b.freed {
		b.mu.Unlock()
		return
	}
	b.freed = true
	b.mu.Unlock()

	if b.release != nil {
		b.release(b)
	}
}

// Freed reports whether Free has been called.
func (b *Buffer) Freed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freed
}

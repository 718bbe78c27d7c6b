package dma

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
)

// IDPool allocates small integer ids from [0, max]. The lowest free id is
// always returned first.
type IDPool struct {
	mu   sync.Mutex
	used *bitset.BitSet
	max  uint
}

// NewIDPool returns a pool of ids 0 through max inclusive.
func NewIDPool(max uint) *IDPool {
	return &IDPool{
		used: bitset.New(max + 1),
		max:  max,
	}
}

// Get allocates an id. It fails with api.ErrResourceExhausted when every id
// is in use.
func (p *IDPool) Get() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.used.NextClear(0)
	if !ok || id > p.max {
		return -1, errors.Wrapf(api.ErrResourceExhausted, "all %d ids in use", p.max+1)
	}
	p.used.Set(id)
	return int(id), nil
}

// Put releases id. It reports false if id was not allocated.
func (p *IDPool) Put(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id < 0 || uint(id) > p.max || !p.used.Test(uint(id)) {
		return false
	}
	p.used.Clear(uint(id))
	return true
}

// InUse returns the number of allocated ids.
func (p *IDPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.used.Count())
}

package mailbox

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
)

// Tracker correlates message ids with their futures. Channel implementations
// embed one to get the stop/destroy semantics of Channel.
type Tracker struct {
	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*Future
	stopped bool
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[uint32]*Future)}
}

// Add registers msg and returns its id and future. It fails with
// api.ErrNoChannel once the tracker is stopped.
func (t *Tracker) Add(msg *Message) (uint32, *Future, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return 0, nil, errors.Wrapf(api.ErrNoChannel, "send %s on stopped channel", msg.Opcode)
	}
	t.nextID++
	id := t.nextID
	f := NewFuture(msg)
	t.pending[id] = f
	return id, f, nil
}

// Complete resolves the future of id with resp. It reports false for unknown
// or already completed ids.
func (t *Tracker) Complete(id uint32, resp []byte) bool {
	f := t.take(id)
	if f == nil {
		return false
	}
	return f.Resolve(resp, nil)
}

// Fail resolves the future of id with err.
func (t *Tracker) Fail(id uint32, err error) bool {
	f := t.take(id)
	if f == nil {
		return false
	}
	return f.Resolve(nil, err)
}

func (t *Tracker) take(id uint32) *Future {
	t.mu.Lock()
	defer t.mu.Unlock()

	f := t.pending[id]
	delete(t.pending, id)
	return f
}

// Stop refuses further Add calls. Pending futures stay pending.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Close stops the tracker and resolves every pending future with err. It
// returns the number of futures it failed.
func (t *Tracker) Close(err error) int {
	t.mu.Lock()
	t.stopped = true
	pending := t.pending
	t.pending = make(map[uint32]*Future)
	t.mu.Unlock()

	for _, f := range pending {
		f.Resolve(nil, err)
	}
	return len(pending)
}

// Len returns the number of pending futures.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

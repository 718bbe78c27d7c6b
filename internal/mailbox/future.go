package mailbox

import (
	"context"
	"sync"
)

// Future is the completion of one message.
type Future struct {
	once sync.Once
	done chan struct{}
	resp []byte
	err  error

	handle interface{}
	notify NotifyFunc
}

// NewFuture returns an unresolved future that reports to msg.Notify.
func NewFuture(msg *Message) *Future {
	return &Future{
		done:   make(chan struct{}),
		handle: msg.Handle,
		notify: msg.Notify,
	}
}

// Resolve completes the future. Only the first call has an effect; it
// reports whether this call resolved the future. The message callback runs
// on the resolving goroutine.
func (f *Future) Resolve(resp []byte, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.resp, f.err = resp, err
		close(f.done)
		resolved = true
	})
	if resolved && f.notify != nil {
		f.notify(f.handle, resp, err)
	}
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

package device

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/mailbox"
	"github.com/tsingmao/xdna/internal/protocol"
)

// RegisterAsyncEvent hands firmware a buffer for one asynchronous event.
// The request is not waited for: cb runs when firmware reports an event,
// after writing it into buf.
func (m *Mgmt) RegisterAsyncEvent(ctx context.Context, buf AsyncEventBuffer, handle interface{}, cb mailbox.NotifyFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := m.d
	if d.mgmt == nil {
		return errors.Wrap(api.ErrNoChannel, "register async event")
	}

	msg, err := mailbox.NewMessage(protocol.OpRegisterAsyncEvent, &protocol.AsyncEventReq{
		BufAddr: buf.DevAddr(),
		BufSize: uint32(buf.Size()),
	})
	if err != nil {
		return err
	}
	msg.Handle, msg.Notify = handle, cb
	_, err = d.mgmt.Send(msg)
	return err
}

// AsyncEventBuffer is the device buffer an async event is written to.
type AsyncEventBuffer interface {
	DevAddr() uint64
	Size() int
}

// RegisterAsyncEvent is Mgmt.RegisterAsyncEvent under the device lock.
func (d *Device) RegisterAsyncEvent(ctx context.Context, buf AsyncEventBuffer, handle interface{}, cb mailbox.NotifyFunc) error {
	return d.WithLock(ctx, func(m *Mgmt) error { return m.RegisterAsyncEvent(ctx, buf, handle, cb) })
}

// ParseAsyncEvent decodes an event written by firmware into an async event
// buffer.
func ParseAsyncEvent(b []byte) (protocol.AsyncEventMsg, error) {
	var ev protocol.AsyncEventMsg
	err := protocol.Decode(b, &ev)
	return ev, err
}

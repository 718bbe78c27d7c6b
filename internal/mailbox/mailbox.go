// Package mailbox defines the channel abstraction the protocol core drives.
//
// A channel is a pair of rings shared with firmware: the host posts requests
// on the x2i ring and firmware posts responses on the i2x ring, ringing a
// doorbell register on each side. This package does not touch registers; it
// describes what the core needs from a transport:
//
//   - Transport creates channels from firmware-provided ring descriptors
//   - Channel sends messages and returns a Future per message
//   - Future resolves exactly once, with a response or an error
//
// Destroying a channel resolves every outstanding Future with an error so no
// waiter or callback is leaked.
package mailbox

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/protocol"
)

// RingDesc describes one ring of a channel in host-visible terms.
type RingDesc struct {
	// HeadPtrReg and TailPtrReg are register offsets inside the mailbox window.
	HeadPtrReg uint32
	TailPtrReg uint32

	// StartAddr is the ring base offset inside the SRAM window.
	StartAddr uint32
	Size      uint32
}

// NotifyFunc receives the completion of an asynchronous message. resp is the
// raw response payload; err is non-nil when the message did not complete,
// for example because its channel was destroyed.
type NotifyFunc func(handle interface{}, resp []byte, err error)

// Message is a request handed to a channel. It must not be modified after
// Send.
type Message struct {
	Opcode  protocol.Opcode
	Payload []byte

	// Handle is passed back to Notify unchanged.
	Handle interface{}
	Notify NotifyFunc
}

// NewMessage encodes req and builds a message for op.
func NewMessage(op protocol.Opcode, req interface{}) (*Message, error) {
	payload, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}
	return &Message{Opcode: op, Payload: payload}, nil
}

// Channel is one mailbox channel.
type Channel interface {
	// Send enqueues msg and returns once the transport accepted it.
	Send(msg *Message) (*Future, error)

	// Stop refuses further sends. Messages already in flight may still
	// complete.
	Stop()

	// Destroy releases the channel. Outstanding futures resolve with
	// api.ErrNoChannel and later sends fail.
	Destroy()
}

// Transport creates context channels.
type Transport interface {
	// CreateChannel binds a channel to the given rings, interrupt register
	// offset and interrupt vector.
	CreateChannel(x2i, i2x RingDesc, intrReg uint32, vector int) (Channel, error)

	// IRQVector resolves a firmware-chosen MSI-X index to an interrupt vector.
	IRQVector(msixID uint16) (int, error)
}

// SendWait sends msg on ch and waits up to timeout for the response.
//
// A response that does not arrive before timeout yields api.ErrTimeout; the
// caller owns the recovery of ch. Cancellation of ctx is returned as-is.
func SendWait(ctx context.Context, ch Channel, msg *Message, timeout time.Duration) ([]byte, error) {
	if ch == nil {
		return nil, api.ErrNoChannel
	}
	f, err := ch.Send(msg)
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := f.Wait(wctx)
	if err != nil && ctx.Err() == nil && errors.Is(wctx.Err(), context.DeadlineExceeded) {
		return nil, errors.Wrapf(api.ErrTimeout, "%s after %s", msg.Opcode, timeout)
	}
	return resp, err
}

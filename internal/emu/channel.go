package emu

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/logger"
	"github.com/tsingmao/xdna/internal/mailbox"
	"github.com/tsingmao/xdna/internal/protocol"
)

// channel is one emulated mailbox channel. Requests are framed onto the x2i
// queue; a firmware goroutine drains it and answers on the i2x side, where
// the frame is decoded again and completes the tracked future.
type channel struct {
	fw      *Firmware
	ctx     *fwContext // nil for the management channel
	tracker *mailbox.Tracker

	x2i  chan []byte
	done chan struct{}
	once sync.Once
}

func newChannel(fw *Firmware, ctx *fwContext) *channel {
	c := &channel{
		fw:      fw,
		ctx:     ctx,
		tracker: mailbox.NewTracker(),
		x2i:     make(chan []byte, fw.opts.RingSlots),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *channel) name() string {
	if c.ctx == nil {
		return "mgmt"
	}
	return fmt.Sprintf("ctx%d", c.ctx.id)
}

// Send implements mailbox.Channel.
func (c *channel) Send(msg *mailbox.Message) (*mailbox.Future, error) {
	id, f, err := c.tracker.Add(msg)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.EncodeFrame(id, msg.Opcode, msg.Payload)
	if err != nil {
		c.tracker.Fail(id, err)
		return nil, err
	}

	timer := time.NewTimer(c.fw.opts.TxTimeout)
	defer timer.Stop()

	select {
	case c.x2i <- frame:
		return f, nil
	case <-c.done:
		c.tracker.Fail(id, api.ErrNoChannel)
		return nil, errors.Wrapf(api.ErrNoChannel, "%s channel destroyed during send", c.name())
	case <-timer.C:
		c.tracker.Fail(id, api.ErrTimeout)
		return nil, errors.Wrapf(api.ErrTimeout, "%s ring full", c.name())
	}
}

// Stop implements mailbox.Channel.
func (c *channel) Stop() {
	c.tracker.Stop()
}

// Destroy implements mailbox.Channel.
func (c *channel) Destroy() {
	c.once.Do(func() {
		close(c.done)
		if n := c.tracker.Close(api.ErrNoChannel); n > 0 {
			logger.Debug("emu: %s channel destroyed with %d message(s) in flight", c.name(), n)
		}
		if c.ctx != nil {
			c.fw.unbind(c.ctx)
		}
	})
}

func (c *channel) run() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.x2i:
			c.dispatch(frame)
		}
	}
}

func (c *channel) dispatch(frame []byte) {
	hdr, payload, err := protocol.DecodeFrame(frame)
	if err != nil {
		logger.Warn("emu: %s bad frame: %v", c.name(), err)
		c.tracker.Fail(hdr.ID, err)
		return
	}

	resp, ok := c.fw.handle(c, hdr.ID, hdr.Opcode, payload)
	if !ok {
		return
	}
	c.reply(hdr.ID, hdr.Opcode, resp)
}

// reply posts resp on the i2x side and raises the completion. It reports
// whether a waiter was still there.
func (c *channel) reply(id uint32, op protocol.Opcode, resp []byte) bool {
	frame, err := protocol.EncodeFrame(id, op, resp)
	if err != nil {
		return c.tracker.Fail(id, err)
	}
	hdr, payload, err := protocol.DecodeFrame(frame)
	if err != nil {
		return c.tracker.Fail(id, err)
	}
	return c.tracker.Complete(hdr.ID, payload)
}

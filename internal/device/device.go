// Package device drives an AIE2 accelerator through its firmware mailbox.
//
// This package provides:
//   - The management protocol driver (versions, metadata, runtime config,
//     suspend/resume, self test, column status)
//   - Execution context lifecycle on top of per-context mailbox channels
//   - PDI registration with scoped cleanup
//   - Command submission, single, as a packed command list, or as buffer sync
//   - Async event registration
//   - Discovery of NPU functions on the PCI bus
//
// Every management request holds the device lock for the whole send-and-wait
// so at most one management request is in flight. Context channels are
// independent of each other and of the management channel.
package device

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/config"
	"github.com/tsingmao/xdna/internal/dma"
	"github.com/tsingmao/xdna/internal/logger"
	"github.com/tsingmao/xdna/internal/mailbox"
	"github.com/tsingmao/xdna/internal/protocol"
)

// Options configures a Device.
type Options struct {
	// Config supplies protocol expectations, timeouts, limits and windows.
	// Defaults are used when nil.
	Config *config.Config

	// Transport creates context channels.
	Transport mailbox.Transport

	// Allocator provides device-visible buffers.
	Allocator dma.Allocator

	// PASID is assigned to the management channel at Init.
	PASID uint16
}

// Info is what firmware reported during Init.
type Info struct {
	Protocol api.ProtocolVersion `json:"protocol" yaml:"protocol" msgpack:"protocol"`
	Firmware api.FirmwareVersion `json:"firmware" yaml:"firmware" msgpack:"firmware"`
	AIE      api.AIEVersion      `json:"aie" yaml:"aie" msgpack:"aie"`
	Metadata api.AIEMetadata     `json:"metadata" yaml:"metadata" msgpack:"metadata"`
}

// Device is one accelerator.
type Device struct {
	cfg       *config.Config
	transport mailbox.Transport
	alloc     dma.Allocator
	pasid     uint16
	pdiIDs    *dma.IDPool

	// mu is the device lock. It guards mgmt and info.
	mu   sync.Mutex
	mgmt mailbox.Channel
	info Info

	// ctxMu guards the live context registry.
	ctxMu    sync.RWMutex
	contexts map[api.ContextID]*HWContext
}

// New returns a device without a management channel. Call
// AttachManagementChannel and Init before use.
func New(opts Options) *Device {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return &Device{
		cfg:       cfg,
		transport: opts.Transport,
		alloc:     opts.Allocator,
		pasid:     opts.PASID,
		pdiIDs:    dma.NewIDPool(cfg.Limits.MaxPDIID),
		contexts:  make(map[api.ContextID]*HWContext),
	}
}

// Config returns the configuration the device runs with.
func (d *Device) Config() *config.Config { return d.cfg }

// AttachManagementChannel installs ch as the management channel, replacing
// and destroying any previous one. It is the recovery path after a
// management timeout.
func (d *Device) AttachManagementChannel(ch mailbox.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mgmt != nil && d.mgmt != ch {
		d.mgmt.Stop()
		d.mgmt.Destroy()
	}
	d.mgmt = ch
}

// HasManagementChannel reports whether a management channel is attached.
func (d *Device) HasManagementChannel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mgmt != nil
}

// Mgmt is the management handle passed to WithLock callbacks. It is only
// valid for the duration of the callback.
type Mgmt struct {
	d        *Device
	released bool
}

// WithLock runs fn with the device lock held. Several management operations
// issued from one fn are serialized with respect to every other caller.
func (d *Device) WithLock(ctx context.Context, fn func(m *Mgmt) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	m := &Mgmt{d: d}
	defer func() { m.released = true }()
	return fn(m)
}

// sendWait is the management request primitive. The response is decoded
// into resp when resp is non-nil and the status is success.
//
// A timeout stops and destroys the management channel; later requests fail
// with api.ErrNoChannel until a new channel is attached.
func (m *Mgmt) sendWait(ctx context.Context, op protocol.Opcode, req, resp interface{}) error {
	if m.released {
		return errors.Wrapf(api.ErrInvalidArgument, "%s: management handle used after unlock", op)
	}
	d := m.d
	if d.mgmt == nil {
		return errors.Wrapf(api.ErrNoChannel, "%s", op)
	}

	msg, err := mailbox.NewMessage(op, req)
	if err != nil {
		return err
	}
	b, err := mailbox.SendWait(ctx, d.mgmt, msg, d.cfg.Mailbox.RxTimeout)
	if err != nil {
		if errors.Is(err, api.ErrTimeout) {
			logger.Error("%s timed out, destroying management channel", op)
			d.mgmt.Stop()
			d.mgmt.Destroy()
			d.mgmt = nil
		}
		return err
	}
	return checkResponse(op, b, resp)
}

// checkResponse maps a non-success status to *api.CommandRejectedError and
// decodes successful responses.
func checkResponse(op protocol.Opcode, b []byte, resp interface{}) error {
	st, err := protocol.ResponseStatus(b)
	if err != nil {
		return errors.Wrapf(err, "%s", op)
	}
	if st != protocol.StatusSuccess {
		logger.Error("command opcode 0x%x failed, status 0x%x", uint32(op), uint32(st))
		return &api.CommandRejectedError{Op: op.String(), Opcode: uint32(op), Status: uint32(st)}
	}
	if resp == nil {
		return nil
	}
	return protocol.Decode(b, resp)
}

// registry

func (d *Device) addContext(c *HWContext) {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()
	d.contexts[c.ID()] = c
}

func (d *Device) removeContext(id api.ContextID) {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()
	delete(d.contexts, id)
}

// Contexts returns the live contexts.
func (d *Device) Contexts() []*HWContext {
	d.ctxMu.RLock()
	defer d.ctxMu.RUnlock()

	list := make([]*HWContext, 0, len(d.contexts))
	for _, c := range d.contexts {
		list = append(list, c)
	}
	return list
}

// columnBitmap is the union of the columns of every live context.
func (d *Device) columnBitmap() uint32 {
	d.ctxMu.RLock()
	defer d.ctxMu.RUnlock()

	var bitmap uint32
	for _, c := range d.contexts {
		bitmap |= c.cols.Bitmap()
	}
	return bitmap
}

// Close destroys every live context, releases its PDIs and destroys the
// management channel.
func (d *Device) Close(ctx context.Context) error {
	var firstErr error
	err := d.WithLock(ctx, func(m *Mgmt) error {
		for _, c := range d.Contexts() {
			if err := m.DestroyContext(ctx, c); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := m.UnregisterPDIs(ctx, c); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if d.mgmt != nil {
			d.mgmt.Stop()
			d.mgmt.Destroy()
			d.mgmt = nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	return firstErr
}

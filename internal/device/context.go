package device

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/dma"
	"github.com/tsingmao/xdna/internal/logger"
	"github.com/tsingmao/xdna/internal/mailbox"
	"github.com/tsingmao/xdna/internal/protocol"
)

// ContextOptions describes an execution context to create.
type ContextOptions struct {
	Name     string
	Cols     api.ColumnRange
	Priority api.Priority
	PASID    uint16

	// CUs are the compute units configured by ConfigCU, LegacyConfigCU and
	// RegisterPDIs.
	CUs []api.CUConfig

	// HeapAddr is the device address of the client heap; buffer sync
	// requests carry addresses relative to it.
	HeapAddr uint64
}

// HWContext is a firmware execution context and its channel.
type HWContext struct {
	name     string
	cols     api.ColumnRange
	priority api.Priority
	pasid    uint16
	cus      []api.CUConfig
	heapAddr uint64

	// mu guards id, chann and cmdBufs, which teardown changes while
	// submitters use them.
	mu      sync.RWMutex
	id      api.ContextID
	chann   mailbox.Channel
	cmdBufs []*dma.Buffer

	// Owned by the device lock.
	pdis []*pdiRecord
}

// Name returns the name given at creation.
func (c *HWContext) Name() string { return c.name }

// Columns returns the column range the context occupies.
func (c *HWContext) Columns() api.ColumnRange { return c.cols }

// ID returns the firmware context id, api.UnboundContext once destroyed.
func (c *HWContext) ID() api.ContextID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Bound reports whether the context has a firmware allocation.
func (c *HWContext) Bound() bool { return c.ID() != api.UnboundContext }

func (c *HWContext) channel() mailbox.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chann
}

// CreateContext allocates a firmware context and binds a channel to the
// queue pair firmware returned. On failure after firmware allocated the
// context, the context is destroyed again.
func (m *Mgmt) CreateContext(ctx context.Context, opts ContextOptions) (*HWContext, error) {
	d := m.d
	if err := opts.Cols.Validate(d.info.Metadata.Cols); err != nil {
		return nil, err
	}
	if opts.Priority == 0 {
		opts.Priority = api.PriorityNormal
	}

	hwctx := &HWContext{
		name:     opts.Name,
		cols:     opts.Cols,
		priority: opts.Priority,
		pasid:    opts.PASID,
		cus:      opts.CUs,
		heapAddr: opts.HeapAddr,
		id:       api.UnboundContext,
	}

	req := protocol.CreateCtxReq{
		AIEType:             protocol.AIETypeAIE2,
		StartCol:            uint8(opts.Cols.Start),
		NumCol:              uint8(opts.Cols.Count),
		NumCQPairsRequested: 1,
		PASID:               opts.PASID,
		ContextPriority:     uint32(opts.Priority),
	}
	var resp protocol.CreateCtxResp
	if err := m.sendWait(ctx, protocol.OpCreateContext, &req, &resp); err != nil {
		return nil, err
	}

	hwctx.mu.Lock()
	hwctx.id = api.ContextID(resp.ContextID)
	hwctx.mu.Unlock()

	cq := resp.CQPairs[0]
	x2i := mailbox.RingDesc{
		HeadPtrReg: d.mboxOff(cq.X2I.HeadAddr),
		TailPtrReg: d.mboxOff(cq.X2I.TailAddr),
		StartAddr:  d.sramOff(cq.X2I.BufAddr),
		Size:       cq.X2I.BufSize,
	}
	i2x := mailbox.RingDesc{
		HeadPtrReg: d.mboxOff(cq.I2X.HeadAddr),
		TailPtrReg: d.mboxOff(cq.I2X.TailAddr),
		StartAddr:  d.sramOff(cq.I2X.BufAddr),
		Size:       cq.I2X.BufSize,
	}
	intrReg := i2x.HeadPtrReg + 4

	vector, err := d.transport.IRQVector(resp.MSIXID)
	if err != nil {
		logger.Error("context %d: no vector for msix %d: %v", resp.ContextID, resp.MSIXID, err)
		m.cleanupContext(ctx, hwctx)
		return nil, errors.Wrapf(err, "context %d irq vector", resp.ContextID)
	}

	chann, err := d.transport.CreateChannel(x2i, i2x, intrReg, vector)
	if err != nil {
		logger.Error("context %d: create channel: %v", resp.ContextID, err)
		m.cleanupContext(ctx, hwctx)
		return nil, errors.Wrapf(err, "context %d channel", resp.ContextID)
	}
	hwctx.mu.Lock()
	hwctx.chann = chann
	hwctx.mu.Unlock()

	for i := 0; i < d.cfg.Limits.CmdBufCount; i++ {
		buf, err := d.alloc.Alloc(int(d.cfg.Limits.CmdBufSize), dma.ToDevice)
		if err != nil {
			m.cleanupContext(ctx, hwctx)
			return nil, errors.Wrapf(err, "context %d command buffer %d", resp.ContextID, i)
		}
		hwctx.mu.Lock()
		hwctx.cmdBufs = append(hwctx.cmdBufs, buf)
		hwctx.mu.Unlock()
	}

	d.addContext(hwctx)
	logger.Debug("%s: context %d on columns %s, x2i 0x%x i2x 0x%x, msix %d vector %d",
		hwctx.name, resp.ContextID, opts.Cols, x2i.StartAddr, i2x.StartAddr, resp.MSIXID, vector)
	return hwctx, nil
}

func (m *Mgmt) cleanupContext(ctx context.Context, hwctx *HWContext) {
	if err := m.DestroyContext(ctx, hwctx); err != nil {
		logger.Warn("cleanup of context %s: %v", hwctx.name, err)
	}
}

func (d *Device) mboxOff(addr uint32) uint32 { return addr - d.cfg.Memory.MboxDevAddr }
func (d *Device) sramOff(addr uint32) uint32 { return addr - d.cfg.Memory.SRAMDevAddr }

// DestroyContext releases the firmware context and its channel. An unbound
// context is left alone. A failed destroy request is logged and the context
// is torn down on the host regardless.
func (m *Mgmt) DestroyContext(ctx context.Context, hwctx *HWContext) error {
	hwctx.mu.RLock()
	id, chann := hwctx.id, hwctx.chann
	hwctx.mu.RUnlock()

	if id == api.UnboundContext {
		return nil
	}

	if chann != nil {
		chann.Stop()
	}
	if err := m.sendWait(ctx, protocol.OpDestroyContext, &protocol.DestroyCtxReq{ContextID: uint32(id)}, nil); err != nil {
		logger.Warn("destroy context %d: %v", id, err)
	}
	if chann != nil {
		chann.Destroy()
	}

	// Command lists pack into cmdBufs under the read lock; the buffers are
	// unmapped only once no packer holds it.
	hwctx.mu.Lock()
	hwctx.id = api.UnboundContext
	hwctx.chann = nil
	for _, buf := range hwctx.cmdBufs {
		buf.Free()
	}
	hwctx.cmdBufs = nil
	hwctx.mu.Unlock()

	m.d.removeContext(id)

	logger.Debug("destroyed context %d", id)
	return nil
}

// MapHostBuffer maps a host buffer into the address space of context id.
func (m *Mgmt) MapHostBuffer(ctx context.Context, id api.ContextID, addr, size uint64) error {
	req := protocol.MapHostBufferReq{
		ContextID: uint32(id),
		BufAddr:   addr,
		BufSize:   size,
	}
	if err := m.sendWait(ctx, protocol.OpMapHostBuffer, &req, nil); err != nil {
		return err
	}
	logger.Debug("context %d mapped 0x%x+0x%x", id, addr, size)
	return nil
}

// ConfigCU binds the context's compute units to their PDIs by device
// address. A timeout destroys the context.
func (m *Mgmt) ConfigCU(ctx context.Context, hwctx *HWContext) error {
	if len(hwctx.cus) > protocol.MaxNumCUs {
		return errors.Wrapf(api.ErrTooManyUnits, "%d compute units, max %d", len(hwctx.cus), protocol.MaxNumCUs)
	}

	shift := m.d.cfg.Memory.DevMemBufShift
	req := protocol.ConfigCUReq{NumCUs: uint32(len(hwctx.cus))}
	for i, cu := range hwctx.cus {
		req.Cfgs[i] = protocol.ConfigCUEntry{
			PDIAddr: uint32(cu.PDIAddr >> shift),
			CUFunc:  cu.Func,
		}
		logger.Debug("CU %d full addr 0x%x, short addr 0x%x, cu func %d",
			i, cu.PDIAddr, req.Cfgs[i].PDIAddr, cu.Func)
	}
	return m.contextWait(ctx, hwctx, protocol.OpConfigCU, &req)
}

// LegacyConfigCU binds the context's compute units to registered PDI ids.
// RegisterPDIs must have run. A timeout destroys the context.
func (m *Mgmt) LegacyConfigCU(ctx context.Context, hwctx *HWContext) error {
	if len(hwctx.cus) > protocol.MaxNumCUs {
		return errors.Wrapf(api.ErrTooManyUnits, "%d compute units, max %d", len(hwctx.cus), protocol.MaxNumCUs)
	}
	if len(hwctx.pdis) != len(hwctx.cus) {
		return errors.Wrapf(api.ErrInvalidArgument, "%d compute units but %d registered pdis",
			len(hwctx.cus), len(hwctx.pdis))
	}

	req := protocol.LegacyConfigCUReq{NumCUs: uint32(len(hwctx.cus))}
	for i, cu := range hwctx.cus {
		req.Configs[i] = protocol.LegacyCUConfig{
			CUIdx:   uint32(i),
			CUFunc:  cu.Func,
			CUPDIID: uint32(hwctx.pdis[i].id),
		}
	}
	return m.contextWait(ctx, hwctx, protocol.OpLegacyConfigCU, &req)
}

// contextWait sends a synchronous request on the context channel.
func (m *Mgmt) contextWait(ctx context.Context, hwctx *HWContext, op protocol.Opcode, req interface{}) error {
	chann := hwctx.channel()
	if chann == nil {
		return errors.Wrapf(api.ErrNoChannel, "%s on context %s", op, hwctx.name)
	}
	msg, err := mailbox.NewMessage(op, req)
	if err != nil {
		return err
	}

	start := time.Now()
	b, err := mailbox.SendWait(ctx, chann, msg, m.d.cfg.Mailbox.RxTimeout)
	if err != nil {
		if errors.Is(err, api.ErrTimeout) {
			logger.Error("%s on context %s timed out after %s, destroying context", op, hwctx.name, time.Since(start))
			m.cleanupContext(ctx, hwctx)
		}
		return err
	}
	return checkResponse(op, b, nil)
}

// Device-level conveniences.

// CreateContext allocates a firmware context and binds its channel.
func (d *Device) CreateContext(ctx context.Context, opts ContextOptions) (hwctx *HWContext, err error) {
	err = d.WithLock(ctx, func(m *Mgmt) error {
		hwctx, err = m.CreateContext(ctx, opts)
		return err
	})
	return hwctx, err
}

// DestroyContext releases hwctx on firmware and the host. It fails only when
// ctx is already done.
func (d *Device) DestroyContext(ctx context.Context, hwctx *HWContext) error {
	return d.WithLock(ctx, func(m *Mgmt) error { return m.DestroyContext(ctx, hwctx) })
}

// MapHostBuffer maps [addr, addr+size) into the address space of context id.
func (d *Device) MapHostBuffer(ctx context.Context, id api.ContextID, addr, size uint64) error {
	return d.WithLock(ctx, func(m *Mgmt) error { return m.MapHostBuffer(ctx, id, addr, size) })
}

// ConfigCU binds the compute units of hwctx by PDI address.
func (d *Device) ConfigCU(ctx context.Context, hwctx *HWContext) error {
	return d.WithLock(ctx, func(m *Mgmt) error { return m.ConfigCU(ctx, hwctx) })
}

// LegacyConfigCU binds the compute units of hwctx by registered PDI id.
func (d *Device) LegacyConfigCU(ctx context.Context, hwctx *HWContext) error {
	return d.WithLock(ctx, func(m *Mgmt) error { return m.LegacyConfigCU(ctx, hwctx) })
}

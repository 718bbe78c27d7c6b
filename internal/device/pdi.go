package device

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/dma"
	"github.com/tsingmao/xdna/internal/logger"
	"github.com/tsingmao/xdna/internal/protocol"
)

// pdiRecord tracks one PDI image staged for firmware. release frees the
// staging buffer and the id whether or not registration succeeded.
type pdiRecord struct {
	id         int
	size       int
	buf        *dma.Buffer
	registered bool
}

func (r *pdiRecord) release(pool *dma.IDPool) {
	if r.buf != nil {
		r.buf.Free()
		r.buf = nil
	}
	if r.id >= 0 {
		pool.Put(r.id)
		r.id = -1
	}
}

// RegisterPDIs stages the PDI image of every compute unit and registers it
// with firmware. On any failure everything registered so far is
// unregistered and released before the error is returned.
func (m *Mgmt) RegisterPDIs(ctx context.Context, hwctx *HWContext) error {
	if n := len(hwctx.cus); n > protocol.MaxNumCUs {
		logger.Debug("exceed maximum CU %d", protocol.MaxNumCUs)
		return errors.Wrapf(api.ErrTooManyUnits, "%d compute units, max %d", n, protocol.MaxNumCUs)
	}

	for i, cu := range hwctx.cus {
		if err := m.registerPDI(ctx, hwctx, cu); err != nil {
			if uerr := m.UnregisterPDIs(ctx, hwctx); uerr != nil {
				logger.Warn("cleanup after failed pdi registration: %v", uerr)
			}
			return errors.Wrapf(err, "register pdi of cu %d", i)
		}
	}
	return nil
}

func (m *Mgmt) registerPDI(ctx context.Context, hwctx *HWContext, cu api.CUConfig) error {
	d := m.d
	if len(cu.Image) == 0 {
		return errors.Wrap(api.ErrInvalidArgument, "empty pdi image")
	}

	rec := &pdiRecord{id: -1, size: len(cu.Image)}
	hwctx.pdis = append(hwctx.pdis, rec)

	id, err := d.pdiIDs.Get()
	if err != nil {
		return err
	}
	rec.id = id

	buf, err := d.alloc.Alloc(rec.size, dma.ToDevice)
	if err != nil {
		return err
	}
	rec.buf = buf
	copy(buf.Bytes(), cu.Image)
	if err := buf.Flush(0, rec.size); err != nil {
		return err
	}

	req := protocol.RegisterPDIReq{
		NumInfos: 1,
		Info: protocol.PDIInfo{
			PDIID:   uint32(rec.id),
			Address: buf.DevAddr(),
			Size:    uint32(rec.size),
			Type:    protocol.PDITypeDebug,
		},
	}
	resp := protocol.RegisterPDIResp{Status: protocol.StatusMax}
	if err := m.sendWait(ctx, protocol.OpRegisterPDI, &req, &resp); err != nil {
		return err
	}
	rec.registered = true

	if resp.RegIndex != uint32(rec.id) {
		logger.Warn("pdi %d registered at index %d", rec.id, resp.RegIndex)
	}
	logger.Debug("registered pdi %d, %d bytes at 0x%x", rec.id, rec.size, buf.DevAddr())
	return nil
}

// UnregisterPDIs unregisters every registered PDI of the context and
// releases every record. A failed unregister request is logged and does not
// stop the remaining records from being processed; the failures are
// reported together.
func (m *Mgmt) UnregisterPDIs(ctx context.Context, hwctx *HWContext) error {
	var (
		firstErr error
		failed   []int
	)
	for _, rec := range hwctx.pdis {
		if rec.registered {
			req := protocol.UnregisterPDIReq{NumPDI: 1, PDIID: uint32(rec.id)}
			if err := m.sendWait(ctx, protocol.OpUnregisterPDI, &req, nil); err != nil {
				logger.Warn("unregister pdi %d: %v", rec.id, err)
				failed = append(failed, rec.id)
				if firstErr == nil {
					firstErr = err
				}
			}
			rec.registered = false
		}
		rec.release(m.d.pdiIDs)
	}
	hwctx.pdis = nil

	if firstErr != nil {
		return errors.Wrapf(firstErr, "unregister pdis %v", failed)
	}
	return nil
}

// PDIsInUse returns the number of PDI ids currently allocated.
func (d *Device) PDIsInUse() int { return d.pdiIDs.InUse() }

// RegisterPDIs registers the PDI image of every compute unit of hwctx under
// the device lock.
func (d *Device) RegisterPDIs(ctx context.Context, hwctx *HWContext) error {
	return d.WithLock(ctx, func(m *Mgmt) error { return m.RegisterPDIs(ctx, hwctx) })
}

// UnregisterPDIs releases every PDI registered for hwctx, continuing past
// failures.
func (d *Device) UnregisterPDIs(ctx context.Context, hwctx *HWContext) error {
	return d.WithLock(ctx, func(m *Mgmt) error { return m.UnregisterPDIs(ctx, hwctx) })
}

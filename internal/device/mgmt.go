package device

import (
	"context"
	"io"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/dma"
	"github.com/tsingmao/xdna/internal/logger"
	"github.com/tsingmao/xdna/internal/protocol"
)

// Init brings the firmware up: it checks the protocol version, applies the
// configured runtime settings, assigns the management PASID and caches the
// versions and array metadata firmware reports.
func (d *Device) Init(ctx context.Context) error {
	return d.WithLock(ctx, func(m *Mgmt) error {
		pv, err := m.CheckProtocolVersion(ctx)
		if err != nil {
			return err
		}
		for _, rc := range d.cfg.RuntimeConfig {
			if err := m.SetRuntimeConfig(ctx, rc.Key, rc.Value); err != nil {
				return errors.Wrapf(err, "runtime config %d", rc.Key)
			}
		}
		if err := m.AssignMgmtPASID(ctx, d.pasid); err != nil {
			return err
		}
		aie, err := m.QueryAIEVersion(ctx)
		if err != nil {
			return err
		}
		meta, err := m.QueryAIEMetadata(ctx)
		if err != nil {
			return err
		}
		fw, err := m.QueryFirmwareVersion(ctx)
		if err != nil {
			return err
		}

		d.info = Info{Protocol: pv, Firmware: fw, AIE: aie, Metadata: meta}
		logger.Info("firmware %s, protocol %s, AIE %s, %d columns x %d rows",
			fw, pv, aie, meta.Cols, meta.Rows)
		return nil
	})
}

// Info returns what firmware reported during Init.
func (d *Device) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// Suspend asks firmware to suspend.
func (m *Mgmt) Suspend(ctx context.Context) error {
	return m.sendWait(ctx, protocol.OpSuspend, &protocol.Placeholder{}, nil)
}

// Resume asks firmware to resume.
func (m *Mgmt) Resume(ctx context.Context) error {
	return m.sendWait(ctx, protocol.OpResume, &protocol.Placeholder{}, nil)
}

// SetRuntimeConfig sets a firmware runtime configuration value.
func (m *Mgmt) SetRuntimeConfig(ctx context.Context, key uint32, value uint64) error {
	return m.sendWait(ctx, protocol.OpSetRuntimeConfig, &protocol.SetRuntimeCfgReq{Type: key, Value: value}, nil)
}

// GetRuntimeConfig reads a firmware runtime configuration value.
func (m *Mgmt) GetRuntimeConfig(ctx context.Context, key uint32) (uint64, error) {
	var resp protocol.GetRuntimeCfgResp
	if err := m.sendWait(ctx, protocol.OpGetRuntimeConfig, &protocol.GetRuntimeCfgReq{Type: key}, &resp); err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// CheckProtocolVersion verifies that firmware speaks a protocol this host
// can drive: the same major version and at least the configured minor.
func (m *Mgmt) CheckProtocolVersion(ctx context.Context) (api.ProtocolVersion, error) {
	var resp protocol.ProtocolVersionResp
	if err := m.sendWait(ctx, protocol.OpGetProtocolVersion, &protocol.Placeholder{}, &resp); err != nil {
		return api.ProtocolVersion{}, err
	}
	got := api.ProtocolVersion{Major: resp.Major, Minor: resp.Minor}
	want := m.d.cfg.Protocol

	if got.Major != want.Major {
		logger.Error("incompatible firmware protocol major %d, want %d", got.Major, want.Major)
		return got, errors.Wrapf(api.ErrIncompatibleProtocol, "firmware %s, host requires major %d", got, want.Major)
	}
	if got.Minor < want.Minor {
		logger.Error("firmware protocol minor %d below %d", got.Minor, want.Minor)
		return got, errors.Wrapf(api.ErrIncompatibleProtocol, "firmware %s, host requires at least %d.%d",
			got, want.Major, want.Minor)
	}
	return got, nil
}

// QueryAIEVersion returns the AI-engine hardware version.
func (m *Mgmt) QueryAIEVersion(ctx context.Context) (api.AIEVersion, error) {
	var resp protocol.AIEVersionResp
	if err := m.sendWait(ctx, protocol.OpQueryAIEVersion, &protocol.Placeholder{}, &resp); err != nil {
		return api.AIEVersion{}, err
	}
	logger.Debug("query AIE version: %d.%d", resp.Major, resp.Minor)
	return api.AIEVersion{Major: resp.Major, Minor: resp.Minor}, nil
}

// QueryAIEMetadata returns the tiled array description.
func (m *Mgmt) QueryAIEMetadata(ctx context.Context) (api.AIEMetadata, error) {
	var resp protocol.AIETileInfoResp
	if err := m.sendWait(ctx, protocol.OpQueryAIETileInfo, &protocol.Placeholder{}, &resp); err != nil {
		return api.AIEMetadata{}, err
	}
	in := resp.Info
	return api.AIEMetadata{
		Size:    in.Size,
		Cols:    uint32(in.Cols),
		Rows:    uint32(in.Rows),
		Version: api.AIEVersion{Major: uint32(in.Major), Minor: uint32(in.Minor)},
		Core: api.TileInfo{
			RowCount:        uint32(in.CoreRows),
			RowStart:        uint32(in.CoreRowStart),
			DMAChannelCount: uint32(in.CoreDMAChannels),
			LockCount:       uint32(in.CoreLocks),
			EventRegCount:   uint32(in.CoreEvents),
		},
		Mem: api.TileInfo{
			RowCount:        uint32(in.MemRows),
			RowStart:        uint32(in.MemRowStart),
			DMAChannelCount: uint32(in.MemDMAChannels),
			LockCount:       uint32(in.MemLocks),
			EventRegCount:   uint32(in.MemEvents),
		},
		Shim: api.TileInfo{
			RowCount:        uint32(in.ShimRows),
			RowStart:        uint32(in.ShimRowStart),
			DMAChannelCount: uint32(in.ShimDMAChannels),
			LockCount:       uint32(in.ShimLocks),
			EventRegCount:   uint32(in.ShimEvents),
		},
	}, nil
}

// QueryFirmwareVersion returns the firmware version quadruple.
func (m *Mgmt) QueryFirmwareVersion(ctx context.Context) (api.FirmwareVersion, error) {
	var resp protocol.FirmwareVersionResp
	if err := m.sendWait(ctx, protocol.OpGetFirmwareVersion, &protocol.Placeholder{}, &resp); err != nil {
		return api.FirmwareVersion{}, err
	}
	return api.FirmwareVersion{Major: resp.Major, Minor: resp.Minor, Sub: resp.Sub, Build: resp.Build}, nil
}

// AssignMgmtPASID binds the management channel to an address space.
func (m *Mgmt) AssignMgmtPASID(ctx context.Context, pasid uint16) error {
	return m.sendWait(ctx, protocol.OpAssignMgmtPASID, &protocol.AssignMgmtPASIDReq{PASID: pasid}, nil)
}

// SelfTest runs the configured firmware self tests.
func (m *Mgmt) SelfTest(ctx context.Context) error {
	mask := m.d.cfg.SelfTestMask
	if err := m.sendWait(ctx, protocol.OpInvokeSelfTest, &protocol.SelfTestReq{TestMask: mask}, nil); err != nil {
		return err
	}
	logger.Debug("self test 0x%x passed", mask)
	return nil
}

// QueryStatus dumps the status of every column owned by a live context.
// Firmware writes into a staging buffer of size bytes; the used part is
// copied to w. It returns the bitmap of columns in the dump.
//
// Returns:
//   - api.ErrInvalidArgument if firmware needs more than size bytes; nothing
//     is written to w in that case
//   - api.ErrIOFault if writing to w fails
func (m *Mgmt) QueryStatus(ctx context.Context, w io.Writer, size uint32) (uint32, error) {
	d := m.d
	bitmap := d.columnBitmap()

	buf, err := d.alloc.Alloc(int(size), dma.FromDevice)
	if err != nil {
		return 0, errors.Wrap(err, "status dump buffer")
	}
	defer buf.Free()

	dump := buf.Bytes()
	for i := range dump {
		dump[i] = 0
	}
	if err := buf.Flush(0, len(dump)); err != nil {
		return 0, err
	}

	req := protocol.ColumnStatusReq{
		DumpBuffAddr: buf.DevAddr(),
		DumpBuffSize: size,
		NumCols:      uint32(bits.OnesCount32(bitmap)),
		AIEBitmap:    bitmap,
	}
	var resp protocol.ColumnStatusResp
	if err := m.sendWait(ctx, protocol.OpQueryColStatus, &req, &resp); err != nil {
		return 0, err
	}

	if resp.Size > size {
		logger.Error("bad status buffer size: available %d, needs %d", size, resp.Size)
		return 0, errors.Wrapf(api.ErrInvalidArgument, "column status needs %d bytes, buffer has %d", resp.Size, size)
	}
	if _, err := w.Write(dump[:resp.Size]); err != nil {
		return 0, errors.Wrapf(api.ErrIOFault, "copy column status: %v", err)
	}
	return bitmap, nil
}

// Device-level conveniences taking the lock for a single request.

// Suspend asks firmware to suspend.
func (d *Device) Suspend(ctx context.Context) error {
	return d.WithLock(ctx, func(m *Mgmt) error { return m.Suspend(ctx) })
}

// Resume asks firmware to resume after Suspend.
func (d *Device) Resume(ctx context.Context) error {
	return d.WithLock(ctx, func(m *Mgmt) error { return m.Resume(ctx) })
}

// SetRuntimeConfig writes firmware runtime setting key.
func (d *Device) SetRuntimeConfig(ctx context.Context, key uint32, value uint64) error {
	return d.WithLock(ctx, func(m *Mgmt) error { return m.SetRuntimeConfig(ctx, key, value) })
}

// GetRuntimeConfig reads firmware runtime setting key.
func (d *Device) GetRuntimeConfig(ctx context.Context, key uint32) (value uint64, err error) {
	err = d.WithLock(ctx, func(m *Mgmt) error {
		value, err = m.GetRuntimeConfig(ctx, key)
		return err
	})
	return value, err
}

// SelfTest runs the firmware self tests selected by self_test_mask.
func (d *Device) SelfTest(ctx context.Context) error {
	return d.WithLock(ctx, func(m *Mgmt) error { return m.SelfTest(ctx) })
}

// QueryStatus is Mgmt.QueryStatus under the device lock.
func (d *Device) QueryStatus(ctx context.Context, w io.Writer, size uint32) (bitmap uint32, err error) {
	err = d.WithLock(ctx, func(m *Mgmt) error {
		bitmap, err = m.QueryStatus(ctx, w, size)
		return err
	})
	return bitmap, err
}

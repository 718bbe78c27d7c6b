package emu

import (
	"math/bits"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/logger"
	"github.com/tsingmao/xdna/internal/protocol"
)

// Status codes the emulator answers failed requests with.
const (
	StatusBadOpcode   protocol.Status = 0x10001
	StatusBadArgument protocol.Status = 0x10002
	StatusNoResource  protocol.Status = 0x10003
	StatusBadState    protocol.Status = 0x10004
)

// Ring geometry handed out at context creation.
const (
	ringSize      = 0x800
	ctxSRAMStride = 2 * ringSize
	ctxRegStride  = 0x20
	x2iHeadRegOff = 0x00
	x2iTailRegOff = 0x04
	i2xHeadRegOff = 0x10
	i2xTailRegOff = 0x18
)

func encode(v interface{}) []byte {
	b, err := protocol.Encode(v)
	if err != nil {
		// Catalog types are fixed-size; Encode cannot fail on them.
		panic(err)
	}
	return b
}

func statusResp(s protocol.Status) []byte {
	return encode(&protocol.StatusResp{Status: s})
}

// handle serves one request. It returns false when the request must not be
// answered now.
func (fw *Firmware) handle(c *channel, id uint32, op protocol.Opcode, req []byte) ([]byte, bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.requests[op]++
	if fw.dropped[op] {
		logger.Debug("emu: dropping %s", op)
		return nil, false
	}
	if st, ok := fw.statusOverride[op]; ok {
		return statusResp(st), true
	}
	if op.IsManagement() != (c.ctx == nil) {
		logger.Warn("emu: %s received on %s channel", op, c.name())
		return statusResp(StatusBadOpcode), true
	}
	// A destroyed channel may still drain queued frames; its buffers are
	// gone once unbind returned.
	if c.ctx != nil && (fw.contexts[c.ctx.id] != c.ctx || !c.ctx.bound) {
		return statusResp(StatusBadState), true
	}

	switch op {
	case protocol.OpGetProtocolVersion:
		return encode(&protocol.ProtocolVersionResp{
			Major: fw.opts.Protocol.Major,
			Minor: fw.opts.Protocol.Minor,
		}), true
	case protocol.OpGetFirmwareVersion:
		v := fw.opts.Firmware
		return encode(&protocol.FirmwareVersionResp{Major: v.Major, Minor: v.Minor, Sub: v.Sub, Build: v.Build}), true
	case protocol.OpQueryAIEVersion:
		return encode(&protocol.AIEVersionResp{Major: fw.opts.AIE.Major, Minor: fw.opts.AIE.Minor}), true
	case protocol.OpQueryAIETileInfo:
		return encode(&protocol.AIETileInfoResp{Info: fw.opts.Metadata}), true
	case protocol.OpSuspend:
		fw.suspended = true
		return statusResp(protocol.StatusSuccess), true
	case protocol.OpResume:
		fw.suspended = false
		return statusResp(protocol.StatusSuccess), true
	case protocol.OpAssignMgmtPASID:
		return fw.assignPASID(req), true
	case protocol.OpInvokeSelfTest:
		return fw.selfTest(req), true
	case protocol.OpSetRuntimeConfig:
		return fw.setRuntimeConfig(req), true
	case protocol.OpGetRuntimeConfig:
		return fw.getRuntimeConfig(req), true
	case protocol.OpMapHostBuffer:
		return fw.mapHostBuffer(req), true
	case protocol.OpRegisterAsyncEvent:
		return fw.registerAsyncEvent(c, id, req)
	case protocol.OpQueryColStatus:
		return fw.queryColStatus(req), true
	case protocol.OpCreateContext:
		return fw.createContext(req), true
	case protocol.OpDestroyContext:
		return fw.destroyContext(req), true
	case protocol.OpRegisterPDI:
		return fw.registerPDI(req), true
	case protocol.OpUnregisterPDI:
		return fw.unregisterPDI(req), true
	case protocol.OpConfigCU:
		return fw.configCU(c.ctx, req), true
	case protocol.OpLegacyConfigCU:
		return fw.legacyConfigCU(c.ctx, req), true
	case protocol.OpExecuteBufferCF:
		return fw.execBuf(c.ctx, req), true
	case protocol.OpExecDPU:
		return fw.execDPU(c.ctx, req), true
	case protocol.OpChainExecBufferCF:
		return fw.chainExec(c.ctx, req), true
	case protocol.OpSyncBO:
		return fw.syncBO(c.ctx, req), true
	}

	logger.Warn("emu: unknown opcode %s", op)
	return statusResp(StatusBadOpcode), true
}

func (fw *Firmware) assignPASID(b []byte) []byte {
	var req protocol.AssignMgmtPASIDReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	fw.pasid = req.PASID
	return statusResp(protocol.StatusSuccess)
}

func (fw *Firmware) selfTest(b []byte) []byte {
	var req protocol.SelfTestReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	if req.TestMask == 0 || req.TestMask&^protocol.SelfTestMaskAll != 0 {
		return statusResp(StatusBadArgument)
	}
	fw.selfTests++
	return statusResp(protocol.StatusSuccess)
}

func (fw *Firmware) setRuntimeConfig(b []byte) []byte {
	var req protocol.SetRuntimeCfgReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	fw.runtimeCfg[req.Type] = req.Value
	return statusResp(protocol.StatusSuccess)
}

func (fw *Firmware) getRuntimeConfig(b []byte) []byte {
	var req protocol.GetRuntimeCfgReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	v, ok := fw.runtimeCfg[req.Type]
	if !ok {
		return statusResp(StatusBadArgument)
	}
	return encode(&protocol.GetRuntimeCfgResp{Value: v})
}

func (fw *Firmware) mapHostBuffer(b []byte) []byte {
	var req protocol.MapHostBufferReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	c, ok := fw.contexts[req.ContextID]
	if !ok || req.BufSize == 0 {
		return statusResp(StatusBadArgument)
	}
	c.hostBufs[req.BufAddr] = req.BufSize
	return statusResp(protocol.StatusSuccess)
}

func (fw *Firmware) registerAsyncEvent(c *channel, id uint32, b []byte) ([]byte, bool) {
	var req protocol.AsyncEventReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument), true
	}
	if _, err := fw.mem.Lookup(req.BufAddr, int(req.BufSize)); err != nil {
		return statusResp(StatusBadArgument), true
	}
	fw.asyncSinks = append(fw.asyncSinks, asyncSink{ch: c, id: id, req: req})
	return nil, false
}

func (fw *Firmware) queryColStatus(b []byte) []byte {
	var req protocol.ColumnStatusReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	if uint32(bits.OnesCount32(req.AIEBitmap)) != req.NumCols {
		return statusResp(StatusBadArgument)
	}

	need := req.NumCols * ColumnStatusSize
	if fw.sizeOverride != nil {
		need = *fw.sizeOverride
	}
	if fw.sizeOverride == nil && need <= req.DumpBuffSize {
		dump, err := fw.mem.Lookup(req.DumpBuffAddr, int(need))
		if err != nil {
			return statusResp(StatusBadArgument)
		}
		off := 0
		for col := uint32(0); col < 32; col++ {
			if req.AIEBitmap&(1<<col) == 0 {
				continue
			}
			state, owner := ColumnIdle, uint32(0)
			for _, c := range fw.contexts {
				if c.cols.Bitmap()&(1<<col) != 0 {
					state, owner = ColumnActive, c.id
				}
			}
			rec := dump[off : off+ColumnStatusSize]
			protocol.ByteOrder.PutUint32(rec[0:4], col)
			protocol.ByteOrder.PutUint32(rec[4:8], state)
			protocol.ByteOrder.PutUint32(rec[8:12], owner)
			protocol.ByteOrder.PutUint32(rec[12:16], 0)
			off += ColumnStatusSize
		}
	}
	return encode(&protocol.ColumnStatusResp{Size: need})
}

func (fw *Firmware) createContext(b []byte) []byte {
	var req protocol.CreateCtxReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	cols := api.ColumnRange{Start: uint32(req.StartCol), Count: uint32(req.NumCol)}
	if req.AIEType != protocol.AIETypeAIE2 || req.NumCQPairsRequested == 0 ||
		cols.Validate(uint32(fw.opts.Metadata.Cols)) != nil {
		return statusResp(StatusBadArgument)
	}

	id := fw.nextCtxID
	fw.nextCtxID++

	regs := fw.opts.MboxDevAddr + id*ctxRegStride
	sram := fw.opts.SRAMDevAddr + id*ctxSRAMStride
	c := &fwContext{
		id:       id,
		cols:     cols,
		priority: req.ContextPriority,
		pasid:    req.PASID,
		msixID:   uint16(id),
		cq: protocol.CQPair{
			X2I: protocol.CQInfo{
				HeadAddr: regs + x2iHeadRegOff,
				TailAddr: regs + x2iTailRegOff,
				BufAddr:  sram,
				BufSize:  ringSize,
			},
			I2X: protocol.CQInfo{
				HeadAddr: regs + i2xHeadRegOff,
				TailAddr: regs + i2xTailRegOff,
				BufAddr:  sram + ringSize,
				BufSize:  ringSize,
			},
		},
		hostBufs: make(map[uint64]uint64),
	}
	fw.contexts[id] = c
	logger.Debug("emu: created context %d on columns %s", id, cols)

	resp := protocol.CreateCtxResp{
		ContextID:           id,
		MSIXID:              c.msixID,
		NumCQPairsAllocated: 1,
	}
	resp.CQPairs[0] = c.cq
	return encode(&resp)
}

func (fw *Firmware) destroyContext(b []byte) []byte {
	var req protocol.DestroyCtxReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	if _, ok := fw.contexts[req.ContextID]; !ok {
		return statusResp(StatusBadArgument)
	}
	delete(fw.contexts, req.ContextID)
	logger.Debug("emu: destroyed context %d", req.ContextID)
	return statusResp(protocol.StatusSuccess)
}

func (fw *Firmware) unbind(c *fwContext) {
	fw.mu.Lock()
	c.bound = false
	fw.mu.Unlock()
}

func (fw *Firmware) registerPDI(b []byte) []byte {
	var req protocol.RegisterPDIReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	info := req.Info
	if req.NumInfos != 1 || info.Size == 0 {
		return statusResp(StatusBadArgument)
	}
	if _, dup := fw.pdis[info.PDIID]; dup {
		return statusResp(StatusNoResource)
	}
	if _, err := fw.mem.Lookup(info.Address, int(info.Size)); err != nil {
		logger.Warn("emu: pdi %d image not readable: %v", info.PDIID, err)
		return statusResp(StatusBadArgument)
	}
	fw.pdis[info.PDIID] = info
	return encode(&protocol.RegisterPDIResp{RegIndex: info.PDIID})
}

func (fw *Firmware) unregisterPDI(b []byte) []byte {
	var req protocol.UnregisterPDIReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	if _, ok := fw.pdis[req.PDIID]; !ok || req.NumPDI != 1 {
		return statusResp(StatusBadArgument)
	}
	delete(fw.pdis, req.PDIID)
	return statusResp(protocol.StatusSuccess)
}

func (fw *Firmware) configCU(c *fwContext, b []byte) []byte {
	var req protocol.ConfigCUReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	if req.NumCUs == 0 || req.NumCUs > protocol.MaxNumCUs {
		return statusResp(StatusBadArgument)
	}
	c.cus = append([]protocol.ConfigCUEntry(nil), req.Cfgs[:req.NumCUs]...)
	return statusResp(protocol.StatusSuccess)
}

func (fw *Firmware) legacyConfigCU(c *fwContext, b []byte) []byte {
	var req protocol.LegacyConfigCUReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	if req.NumCUs == 0 || req.NumCUs > protocol.MaxNumCUs {
		return statusResp(StatusBadArgument)
	}
	for _, cfg := range req.Configs[:req.NumCUs] {
		if _, ok := fw.pdis[cfg.CUPDIID]; !ok {
			return statusResp(StatusBadArgument)
		}
	}
	c.legacyCUs = append([]protocol.LegacyCUConfig(nil), req.Configs[:req.NumCUs]...)
	return statusResp(protocol.StatusSuccess)
}

func (c *fwContext) hasCU(idx uint32) bool {
	return int(idx) < len(c.cus) || int(idx) < len(c.legacyCUs)
}

func (fw *Firmware) execBuf(c *fwContext, b []byte) []byte {
	var req protocol.ExecBufReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	if fw.suspended {
		return statusResp(StatusBadState)
	}
	if !c.hasCU(req.CUIdx) {
		return statusResp(StatusBadArgument)
	}
	c.executed++
	return statusResp(protocol.StatusSuccess)
}

func (fw *Firmware) execDPU(c *fwContext, b []byte) []byte {
	var req protocol.ExecDPUReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	if fw.suspended {
		return statusResp(StatusBadState)
	}
	if !c.hasCU(req.CUIdx) {
		return statusResp(StatusBadArgument)
	}
	if req.InstSize > 0 {
		if _, err := fw.mem.Lookup(req.InstBufAddr, int(req.InstSize)); err != nil {
			return statusResp(StatusBadArgument)
		}
	}
	c.executed++
	return statusResp(protocol.StatusSuccess)
}

// chainExec walks a command list. The slot layout is not part of the
// request; a list is accepted when it parses exactly as one of the layouts.
func (fw *Firmware) chainExec(c *fwContext, b []byte) []byte {
	var req protocol.ChainExecReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	if fw.suspended {
		return statusResp(StatusBadState)
	}
	list, err := fw.mem.Lookup(req.BufAddr, int(req.BufSize))
	if err != nil || req.Count == 0 {
		return statusResp(StatusBadArgument)
	}

	cus, ok := slotCUs(list, req.Count)
	if !ok {
		return statusResp(StatusBadArgument)
	}
	for i, idx := range cus {
		if !c.hasCU(idx) {
			return encode(&protocol.ChainExecResp{
				Status:        StatusBadArgument,
				FailCmdIdx:    uint32(i),
				FailCmdStatus: StatusBadArgument,
			})
		}
	}
	c.executed += len(cus)
	return encode(&protocol.ChainExecResp{})
}

func slotCUs(list []byte, count uint32) ([]uint32, bool) {
	if slots, err := protocol.UnpackCUSlots(list, count); err == nil {
		size, cus := 0, make([]uint32, 0, count)
		for _, s := range slots {
			size += int(s.Size())
			cus = append(cus, s.CUIndex)
		}
		if size == len(list) {
			return cus, true
		}
	}
	if slots, err := protocol.UnpackDPUSlots(list, count); err == nil {
		size, cus := 0, make([]uint32, 0, count)
		for _, s := range slots {
			size += int(s.Size())
			cus = append(cus, s.CUIndex)
		}
		if size == len(list) {
			return cus, true
		}
	}
	return nil, false
}

func (fw *Firmware) syncBO(c *fwContext, b []byte) []byte {
	var req protocol.SyncBOReq
	if err := protocol.Decode(b, &req); err != nil {
		return statusResp(StatusBadArgument)
	}
	if req.SrcType != protocol.SyncDevMem || req.DstType != protocol.SyncHostMem || req.Size == 0 {
		return statusResp(StatusBadArgument)
	}
	c.synced++
	return statusResp(protocol.StatusSuccess)
}

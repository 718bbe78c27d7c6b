// Package emu emulates AIE2 firmware behind the mailbox transport.
//
// A Firmware answers the full message catalog over in-process channels that
// carry framed messages, the way the real rings do. It implements
// mailbox.Transport for context channels and hands out management channels
// with ManagementChannel. Device memory referenced by requests (PDI images,
// command lists, status dumps) is resolved through a Memory, normally the
// dma.HostAllocator the host allocates from.
//
// Fault injection hooks let tests reject, drop or reshape specific requests.
package emu

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/mailbox"
	"github.com/tsingmao/xdna/internal/protocol"
)

// Memory resolves device addresses to host views.
type Memory interface {
	Lookup(addr uint64, size int) ([]byte, error)
}

// ColumnStatusSize is the size of one column record in a status dump.
const ColumnStatusSize = 16

// Column states reported in status dumps.
const (
	ColumnIdle   uint32 = 0
	ColumnActive uint32 = 1
)

// Options describes the emulated device.
type Options struct {
	Protocol api.ProtocolVersion
	Firmware api.FirmwareVersion
	AIE      api.AIEVersion
	Metadata protocol.AIETileInfo

	// MboxDevAddr and SRAMDevAddr are the device windows rings and
	// registers are reported in.
	MboxDevAddr uint32
	SRAMDevAddr uint32

	// IRQBase is the interrupt vector of MSI-X index 0.
	IRQBase int

	// TxTimeout bounds how long a send waits for ring space.
	TxTimeout time.Duration

	// RingSlots is the number of frames a ring holds.
	RingSlots int
}

// DefaultOptions describes a five column AIE2 array.
func DefaultOptions() Options {
	return Options{
		Protocol: api.ProtocolVersion{Major: 5, Minor: 6},
		Firmware: api.FirmwareVersion{Major: 1, Minor: 5, Sub: 2, Build: 380},
		AIE:      api.AIEVersion{Major: 2, Minor: 0},
		Metadata: protocol.AIETileInfo{
			Size:            0x2000000,
			Major:           2,
			Minor:           0,
			Cols:            5,
			Rows:            6,
			CoreRows:        4,
			MemRows:         1,
			ShimRows:        1,
			CoreRowStart:    2,
			MemRowStart:     1,
			ShimRowStart:    0,
			CoreDMAChannels: 4,
			MemDMAChannels:  12,
			ShimDMAChannels: 4,
			CoreLocks:       16,
			MemLocks:        64,
			ShimLocks:       16,
			CoreEvents:      128,
			MemEvents:       192,
			ShimEvents:      128,
		},
		MboxDevAddr: 0x3000000,
		SRAMDevAddr: 0x4000000,
		IRQBase:     64,
		TxTimeout:   2 * time.Second,
		RingSlots:   64,
	}
}

// Firmware is an emulated device firmware.
type Firmware struct {
	opts Options
	mem  Memory

	mu         sync.Mutex
	suspended  bool
	pasid      uint16
	runtimeCfg map[uint32]uint64
	selfTests  uint32
	contexts   map[uint32]*fwContext
	nextCtxID  uint32
	pdis       map[uint32]protocol.PDIInfo
	asyncSinks []asyncSink
	requests   map[protocol.Opcode]int

	// fault injection
	statusOverride map[protocol.Opcode]protocol.Status
	dropped        map[protocol.Opcode]bool
	sizeOverride   *uint32
	vectorErr      error
	channelErr     error
}

type fwContext struct {
	id       uint32
	cols     api.ColumnRange
	priority uint32
	pasid    uint16
	msixID   uint16
	cq       protocol.CQPair
	bound    bool

	cus       []protocol.ConfigCUEntry
	legacyCUs []protocol.LegacyCUConfig
	hostBufs  map[uint64]uint64
	executed  int
	synced    int
}

type asyncSink struct {
	ch  *channel
	id  uint32
	req protocol.AsyncEventReq
}

// New returns firmware serving requests against mem.
func New(mem Memory, opts Options) *Firmware {
	if opts.RingSlots <= 0 {
		opts.RingSlots = 64
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 2 * time.Second
	}
	return &Firmware{
		opts:           opts,
		mem:            mem,
		runtimeCfg:     make(map[uint32]uint64),
		contexts:       make(map[uint32]*fwContext),
		nextCtxID:      1,
		pdis:           make(map[uint32]protocol.PDIInfo),
		requests:       make(map[protocol.Opcode]int),
		statusOverride: make(map[protocol.Opcode]protocol.Status),
		dropped:        make(map[protocol.Opcode]bool),
	}
}

// Options returns the options the firmware was created with.
func (fw *Firmware) Options() Options { return fw.opts }

// ManagementChannel opens a new management channel. The host owns it and
// destroys it on teardown or timeout recovery.
func (fw *Firmware) ManagementChannel() mailbox.Channel {
	return newChannel(fw, nil)
}

// IRQVector implements mailbox.Transport.
func (fw *Firmware) IRQVector(msixID uint16) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.vectorErr != nil {
		return -1, fw.vectorErr
	}
	return fw.opts.IRQBase + int(msixID), nil
}

// CreateChannel implements mailbox.Transport. The ring descriptors must
// match, after window translation, the rings firmware handed out for a
// context.
func (fw *Firmware) CreateChannel(x2i, i2x mailbox.RingDesc, intrReg uint32, vector int) (mailbox.Channel, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.channelErr != nil {
		return nil, fw.channelErr
	}
	for _, c := range fw.contexts {
		if c.bound || x2i != fw.ringDesc(c.cq.X2I) || i2x != fw.ringDesc(c.cq.I2X) {
			continue
		}
		if intrReg != i2x.HeadPtrReg+4 {
			return nil, errors.Wrapf(api.ErrInvalidArgument, "context %d: interrupt register 0x%x, want 0x%x",
				c.id, intrReg, i2x.HeadPtrReg+4)
		}
		if want := fw.opts.IRQBase + int(c.msixID); vector != want {
			return nil, errors.Wrapf(api.ErrInvalidArgument, "context %d: vector %d, want %d", c.id, vector, want)
		}
		c.bound = true
		return newChannel(fw, c), nil
	}
	return nil, errors.Wrapf(api.ErrInvalidArgument, "no context owns rings x2i %+v i2x %+v", x2i, i2x)
}

func (fw *Firmware) ringDesc(q protocol.CQInfo) mailbox.RingDesc {
	return mailbox.RingDesc{
		HeadPtrReg: q.HeadAddr - fw.opts.MboxDevAddr,
		TailPtrReg: q.TailAddr - fw.opts.MboxDevAddr,
		StartAddr:  q.BufAddr - fw.opts.SRAMDevAddr,
		Size:       q.BufSize,
	}
}

// SetStatus makes firmware answer every op request with status. Passing
// StatusSuccess removes the override.
func (fw *Firmware) SetStatus(op protocol.Opcode, status protocol.Status) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if status == protocol.StatusSuccess {
		delete(fw.statusOverride, op)
		return
	}
	fw.statusOverride[op] = status
}

// Drop makes firmware swallow op requests without answering.
func (fw *Firmware) Drop(op protocol.Opcode, drop bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.dropped[op] = drop
}

// SetProtocolVersion changes the version firmware reports.
func (fw *Firmware) SetProtocolVersion(v api.ProtocolVersion) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.opts.Protocol = v
}

// SetStatusDumpSize forces the size reported by column status queries.
func (fw *Firmware) SetStatusDumpSize(size uint32) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.sizeOverride = &size
}

// FailIRQVector makes IRQVector fail with err. nil clears the fault.
func (fw *Firmware) FailIRQVector(err error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.vectorErr = err
}

// FailCreateChannel makes CreateChannel fail with err. nil clears the fault.
func (fw *Firmware) FailCreateChannel(err error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.channelErr = err
}

// Requests returns how many op requests firmware received.
func (fw *Firmware) Requests(op protocol.Opcode) int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.requests[op]
}

// TotalRequests returns the number of requests firmware received.
func (fw *Firmware) TotalRequests() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	n := 0
	for _, c := range fw.requests {
		n += c
	}
	return n
}

// Contexts returns the number of live firmware contexts.
func (fw *Firmware) Contexts() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.contexts)
}

// PDIs returns the number of registered PDIs.
func (fw *Firmware) PDIs() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.pdis)
}

// Executed returns the number of commands run on context id.
func (fw *Firmware) Executed(id uint32) int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if c, ok := fw.contexts[id]; ok {
		return c.executed
	}
	return 0
}

// Suspended reports whether firmware is suspended.
func (fw *Firmware) Suspended() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.suspended
}

// PASID returns the management PASID assigned by the host.
func (fw *Firmware) PASID() uint16 {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.pasid
}

// RuntimeConfig returns a runtime configuration value.
func (fw *Firmware) RuntimeConfig(key uint32) (uint64, bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	v, ok := fw.runtimeCfg[key]
	return v, ok
}

// RaiseAsyncEvent completes every registered async event message with an
// event of type typ. It returns the number of sinks notified. Each sink is
// consumed and must be registered again.
func (fw *Firmware) RaiseAsyncEvent(typ uint32) int {
	fw.mu.Lock()
	sinks := fw.asyncSinks
	fw.asyncSinks = nil
	fw.mu.Unlock()

	n := 0
	for _, s := range sinks {
		if buf, err := fw.mem.Lookup(s.req.BufAddr, int(s.req.BufSize)); err == nil {
			if msg, err := protocol.Encode(&protocol.AsyncEventMsg{Status: protocol.StatusSuccess, Type: typ}); err == nil {
				copy(buf, msg)
			}
		}
		if s.ch.reply(s.id, protocol.OpRegisterAsyncEvent, statusResp(protocol.StatusSuccess)) {
			n++
		}
	}
	return n
}

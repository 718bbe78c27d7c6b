package protocol

import (
	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
)

// Packed slot header sizes.
const (
	// CUSlotHeaderSize covers cu_idx and arg_cnt.
	CUSlotHeaderSize = 8

	// DPUSlotHeaderSize covers inst_buf_addr, inst_size, inst_prop_cnt,
	// cu_idx and arg_cnt.
	DPUSlotHeaderSize = 24

	// DefaultCmdBufSize is the capacity of one command-list buffer.
	DefaultCmdBufSize = 0x1000
)

// Slot is one entry of a command list. The concrete types are CUSlot and
// DPUSlot; a command list holds slots of a single kind.
type Slot interface {
	// Size is the packed size: the header plus the actual argument bytes.
	Size() uint32

	validate() error
	put(b []byte)
}

// CUSlot starts a compute unit with inline arguments.
type CUSlot struct {
	CUIndex uint32
	Args    []byte
}

func (s CUSlot) Size() uint32 { return CUSlotHeaderSize + uint32(len(s.Args)) }

func (s CUSlot) validate() error { return nil }

func (s CUSlot) put(b []byte) {
	ByteOrder.PutUint32(b[0:4], s.CUIndex)
	ByteOrder.PutUint32(b[4:8], uint32(len(s.Args)/4))
	copy(b[CUSlotHeaderSize:], s.Args)
}

// DPUSlot starts a compute unit with an external instruction buffer.
type DPUSlot struct {
	InstAddr uint64
	InstSize uint32
	CUIndex  uint32
	Args     []byte
}

func (s DPUSlot) Size() uint32 { return DPUSlotHeaderSize + uint32(len(s.Args)) }

func (s DPUSlot) validate() error {
	if len(s.Args) > MaxDPUArgsSize {
		return errors.Wrapf(api.ErrInvalidArgument, "dpu args of %d bytes exceed %d", len(s.Args), MaxDPUArgsSize)
	}
	return nil
}

func (s DPUSlot) put(b []byte) {
	ByteOrder.PutUint64(b[0:8], s.InstAddr)
	ByteOrder.PutUint32(b[8:12], s.InstSize)
	ByteOrder.PutUint32(b[12:16], 0)
	ByteOrder.PutUint32(b[16:20], s.CUIndex)
	ByteOrder.PutUint32(b[20:24], uint32(len(s.Args)/4))
	copy(b[DPUSlotHeaderSize:], s.Args)
}

// PackSlots lays slots out back to back at the start of dst and returns the
// number of bytes used. The capacity of dst is len(dst). All slots are
// checked before the first byte is written, so on error dst is unchanged.
//
// Returns:
//   - the packed size on success
//   - ErrNoSpace if the slots do not fit
//   - ErrInvalidArgument if a slot is malformed
func PackSlots(dst []byte, slots []Slot) (uint32, error) {
	var total uint64
	for i, s := range slots {
		if err := s.validate(); err != nil {
			return 0, errors.Wrapf(err, "slot %d", i)
		}
		n := uint64(s.Size())
		if total+n > uint64(len(dst)) {
			return 0, errors.Wrapf(api.ErrNoSpace, "slot %d of %d bytes at offset %d exceeds capacity %d",
				i, n, total, len(dst))
		}
		total += n
	}

	off := uint32(0)
	for _, s := range slots {
		s.put(dst[off:])
		off += s.Size()
	}
	return off, nil
}

// UnpackCUSlots decodes count CU slots from a packed buffer.
func UnpackCUSlots(b []byte, count uint32) ([]CUSlot, error) {
	slots := make([]CUSlot, 0, count)
	off := 0
	for i := uint32(0); i < count; i++ {
		if len(b)-off < CUSlotHeaderSize {
			return nil, errors.Wrapf(api.ErrInvalidArgument, "cu slot %d truncated", i)
		}
		h := b[off:]
		argBytes := int(ByteOrder.Uint32(h[4:8])) * 4
		if len(h) < CUSlotHeaderSize+argBytes {
			return nil, errors.Wrapf(api.ErrInvalidArgument, "cu slot %d args truncated", i)
		}
		slots = append(slots, CUSlot{
			CUIndex: ByteOrder.Uint32(h[0:4]),
			Args:    append([]byte(nil), h[CUSlotHeaderSize:CUSlotHeaderSize+argBytes]...),
		})
		off += CUSlotHeaderSize + argBytes
	}
	return slots, nil
}

// UnpackDPUSlots decodes count DPU slots from a packed buffer.
func UnpackDPUSlots(b []byte, count uint32) ([]DPUSlot, error) {
	slots := make([]DPUSlot, 0, count)
	off := 0
	for i := uint32(0); i < count; i++ {
		if len(b)-off < DPUSlotHeaderSize {
			return nil, errors.Wrapf(api.ErrInvalidArgument, "dpu slot %d truncated", i)
		}
		h := b[off:]
		argBytes := int(ByteOrder.Uint32(h[20:24])) * 4
		if len(h) < DPUSlotHeaderSize+argBytes {
			return nil, errors.Wrapf(api.ErrInvalidArgument, "dpu slot %d args truncated", i)
		}
		slots = append(slots, DPUSlot{
			InstAddr: ByteOrder.Uint64(h[0:8]),
			InstSize: ByteOrder.Uint32(h[8:12]),
			CUIndex:  ByteOrder.Uint32(h[16:20]),
			Args:     append([]byte(nil), h[DPUSlotHeaderSize:DPUSlotHeaderSize+argBytes]...),
		})
		off += DPUSlotHeaderSize + argBytes
	}
	return slots, nil
}

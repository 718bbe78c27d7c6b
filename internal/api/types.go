// Package api defines the value types shared by the xdna packages.
//
// This package contains the data structures exchanged between the device
// core, the firmware emulator and the command-line tool:
//   - Column ranges and context priorities used when creating contexts
//   - Version and tile metadata reported by firmware
//   - Compute unit configurations and the job descriptors submitted to them
//   - The error taxonomy (see errors.go)
//
// All types are plain values and JSON/YAML serializable so the CLI can print
// them without conversion.
package api

import (
	"fmt"

	"github.com/pkg/errors"
)

// ContextID is the firmware-assigned identifier of an execution context.
type ContextID int32

// UnboundContext marks a context that has no firmware-side allocation.
// A context with this id owns no channel and rejects submission.
const UnboundContext ContextID = -1

// ColumnRange selects a contiguous run of AIE array columns.
type ColumnRange struct {
	// Start is the first column index.
	Start uint32 `json:"start" yaml:"start" msgpack:"start"`

	// Count is the number of columns, at least 1.
	Count uint32 `json:"count" yaml:"count" msgpack:"count"`
}

// Bitmap returns the column occupancy bitmap of the range: bit i is set when
// column i belongs to the range.
func (r ColumnRange) Bitmap() uint32 {
	if r.Count == 0 {
		return 0
	}
	if r.Count >= 32 {
		return ^uint32(0) << r.Start
	}
	return ((uint32(1) << r.Count) - 1) << r.Start
}

// Validate checks the range against the number of columns in the array.
// A total of zero means the array size is unknown and only the range itself
// is checked.
//
// Returns:
//   - nil if the range is usable
//   - ErrInvalidArgument (wrapped) describing the problem otherwise
func (r ColumnRange) Validate(total uint32) error {
	if r.Count == 0 {
		return errors.Wrap(ErrInvalidArgument, "column count must be at least 1")
	}
	if r.Start+r.Count > 32 {
		return errors.Wrapf(ErrInvalidArgument, "columns %d..%d exceed bitmap width",
			r.Start, r.Start+r.Count-1)
	}
	if total != 0 && r.Start+r.Count > total {
		return errors.Wrapf(ErrInvalidArgument, "columns %d..%d exceed array of %d columns",
			r.Start, r.Start+r.Count-1, total)
	}
	return nil
}

// String formats the range as START:COUNT, the form accepted by the CLI.
func (r ColumnRange) String() string {
	return fmt.Sprintf("%d:%d", r.Start, r.Count)
}

// Priority is the firmware scheduling priority of a context.
type Priority uint32

const (
	// PriorityRealtime is reserved for latency critical contexts.
	PriorityRealtime Priority = 1

	// PriorityNormal is the default priority for user contexts.
	PriorityNormal Priority = 2

	// PriorityLow is used for background work.
	PriorityLow Priority = 3
)

// ProtocolVersion is the firmware interface protocol version.
//
// A firmware with a greater minor version only adds messages and status codes,
// so hosts accept any minor at or above the one they require.
type ProtocolVersion struct {
	Major uint32 `json:"major" yaml:"major" msgpack:"major"`
	Minor uint32 `json:"minor" yaml:"minor" msgpack:"minor"`
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// FirmwareVersion is the version quadruple reported by firmware.
type FirmwareVersion struct {
	Major uint32 `json:"major" yaml:"major" msgpack:"major"`
	Minor uint32 `json:"minor" yaml:"minor" msgpack:"minor"`
	Sub   uint32 `json:"sub" yaml:"sub" msgpack:"sub"`
	Build uint32 `json:"build" yaml:"build" msgpack:"build"`
}

func (v FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Sub, v.Build)
}

// AIEVersion is the AI-engine hardware version.
type AIEVersion struct {
	Major uint32 `json:"major" yaml:"major" msgpack:"major"`
	Minor uint32 `json:"minor" yaml:"minor" msgpack:"minor"`
}

func (v AIEVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// TileInfo describes one class of tiles (core, memory or shim) in the array.
type TileInfo struct {
	RowCount        uint32 `json:"row_count" yaml:"row_count" msgpack:"row_count"`
	RowStart        uint32 `json:"row_start" yaml:"row_start" msgpack:"row_start"`
	DMAChannelCount uint32 `json:"dma_channel_count" yaml:"dma_channel_count" msgpack:"dma_channel_count"`
	LockCount       uint32 `json:"lock_count" yaml:"lock_count" msgpack:"lock_count"`
	EventRegCount   uint32 `json:"event_reg_count" yaml:"event_reg_count" msgpack:"event_reg_count"`
}

// AIEMetadata is the tiled-array description reported by firmware.
type AIEMetadata struct {
	// Size is the size in bytes of the array address space.
	Size uint32 `json:"size" yaml:"size" msgpack:"size"`

	Cols    uint32     `json:"cols" yaml:"cols" msgpack:"cols"`
	Rows    uint32     `json:"rows" yaml:"rows" msgpack:"rows"`
	Version AIEVersion `json:"version" yaml:"version" msgpack:"version"`

	Core TileInfo `json:"core" yaml:"core" msgpack:"core"`
	Mem  TileInfo `json:"mem" yaml:"mem" msgpack:"mem"`
	Shim TileInfo `json:"shim" yaml:"shim" msgpack:"shim"`
}

// CUConfig configures one compute unit of a context.
type CUConfig struct {
	// Func is the firmware function id executed by the compute unit.
	Func uint32 `json:"func" yaml:"func"`

	// PDIAddr is the device address of the buffer holding the PDI image.
	PDIAddr uint64 `json:"pdi_addr" yaml:"pdi_addr"`

	// Image holds the PDI bytes staged to firmware on the PDI register path.
	Image []byte `json:"-" yaml:"-"`
}

// CmdOp is the operation tag of a submitted command.
type CmdOp uint32

const (
	// CmdStartCU starts a compute unit with inline arguments.
	CmdStartCU CmdOp = 0

	// CmdStartDPU starts a compute unit with an external DPU instruction buffer.
	CmdStartDPU CmdOp = 18
)

func (op CmdOp) String() string {
	switch op {
	case CmdStartCU:
		return "START_CU"
	case CmdStartDPU:
		return "START_DPU"
	default:
		return fmt.Sprintf("CMD_OP(%d)", uint32(op))
	}
}

// DPUInstr locates the DPU instruction buffer of a CmdStartDPU command.
type DPUInstr struct {
	InstAddr uint64
	InstSize uint32

	// Chained is non-zero when the instruction buffer chains to further
	// instruction buffers. Chained instructions are not supported.
	Chained uint32
}

// Command is one sub-command of a job.
type Command struct {
	Op CmdOp

	// CUIndex selects the compute unit. Negative values are invalid.
	CUIndex int

	// Args holds the inline argument bytes, a multiple of 4.
	Args []byte

	// DPU is set for CmdStartDPU commands.
	DPU *DPUInstr
}

// BufferRef references a device buffer by device address.
type BufferRef struct {
	DevAddr uint64
	Size    uint32
}

// Job is a unit of work submitted to a context.
type Job struct {
	// Seq is the submission sequence number; it selects the command buffer
	// used for chained submission.
	Seq uint64

	Cmds []Command

	// Bufs lists buffers referenced by buffer-sync requests.
	Bufs []BufferRef
}

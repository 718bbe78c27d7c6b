// Package protocol implements the AIE2 firmware message catalog.
//
// Every request and response is a fixed-layout little-endian structure. The
// management opcodes (0x1xx, 0x3xx) travel on the device-wide management
// channel; the remaining opcodes travel on the channel of an execution
// context. Every response starts with a 32-bit status word where zero means
// success.
package protocol

import "fmt"

// Opcode identifies a firmware message.
type Opcode uint32

// Context channel opcodes.
const (
	OpRegisterPDI       Opcode = 0x1
	OpCreateContext     Opcode = 0x2
	OpDestroyContext    Opcode = 0x3
	OpLegacyConfigCU    Opcode = 0x5
	OpSyncBO            Opcode = 0x7
	OpUnregisterPDI     Opcode = 0xA
	OpExecuteBufferCF   Opcode = 0xC
	OpQueryColStatus    Opcode = 0xD
	OpQueryAIETileInfo  Opcode = 0xE
	OpQueryAIEVersion   Opcode = 0xF
	OpExecDPU           Opcode = 0x10
	OpConfigCU          Opcode = 0x11
	OpChainExecBufferCF Opcode = 0x12
)

// Management channel opcodes.
const (
	OpSuspend            Opcode = 0x101
	OpResume             Opcode = 0x102
	OpAssignMgmtPASID    Opcode = 0x103
	OpInvokeSelfTest     Opcode = 0x104
	OpMapHostBuffer      Opcode = 0x106
	OpGetFirmwareVersion Opcode = 0x108
	OpSetRuntimeConfig   Opcode = 0x10A
	OpGetRuntimeConfig   Opcode = 0x10B
	OpRegisterAsyncEvent Opcode = 0x10C
	OpGetProtocolVersion Opcode = 0x301
)

var opcodeNames = map[Opcode]string{
	OpRegisterPDI:        "REGISTER_PDI",
	OpCreateContext:      "CREATE_CONTEXT",
	OpDestroyContext:     "DESTROY_CONTEXT",
	OpLegacyConfigCU:     "LEGACY_CONFIG_CU",
	OpSyncBO:             "SYNC_BO",
	OpUnregisterPDI:      "UNREGISTER_PDI",
	OpExecuteBufferCF:    "EXECUTE_BUFFER_CF",
	OpQueryColStatus:     "QUERY_COL_STATUS",
	OpQueryAIETileInfo:   "QUERY_AIE_TILE_INFO",
	OpQueryAIEVersion:    "QUERY_AIE_VERSION",
	OpExecDPU:            "EXEC_DPU",
	OpConfigCU:           "CONFIG_CU",
	OpChainExecBufferCF:  "CHAIN_EXEC_BUFFER_CF",
	OpSuspend:            "SUSPEND",
	OpResume:             "RESUME",
	OpAssignMgmtPASID:    "ASSIGN_MGMT_PASID",
	OpInvokeSelfTest:     "INVOKE_SELF_TEST",
	OpMapHostBuffer:      "MAP_HOST_BUFFER",
	OpGetFirmwareVersion: "GET_FIRMWARE_VERSION",
	OpSetRuntimeConfig:   "SET_RUNTIME_CONFIG",
	OpGetRuntimeConfig:   "GET_RUNTIME_CONFIG",
	OpRegisterAsyncEvent: "REGISTER_ASYNC_EVENT_MSG",
	OpGetProtocolVersion: "GET_PROTOCOL_VERSION",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(0x%x)", uint32(op))
}

// IsManagement reports whether op is sent on the management channel.
func (op Opcode) IsManagement() bool {
	switch op {
	case OpRegisterPDI, OpCreateContext, OpDestroyContext, OpUnregisterPDI,
		OpQueryColStatus, OpQueryAIETileInfo, OpQueryAIEVersion:
		return true
	}
	return op >= OpSuspend
}

// Status is the first word of every response.
type Status uint32

const (
	// StatusSuccess is the only status firmware uses for a completed request.
	StatusSuccess Status = 0x0

	// StatusMax is the upper bound of firmware status codes. It is used as the
	// "not yet answered" value and by the emulator when rejecting a request.
	StatusMax Status = 0x7FFFFFF
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "SUCCESS"
	}
	return fmt.Sprintf("0x%x", uint32(s))
}

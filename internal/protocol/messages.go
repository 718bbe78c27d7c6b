package protocol

// Limits shared between host and firmware.
const (
	// MaxNumCUs is the number of compute units a context can configure.
	MaxNumCUs = 16

	// MaxCQPairs is the number of queue pairs a create-context response carries.
	MaxCQPairs = 2

	// InlinePayloadSize is the inline argument area of execute-buffer and
	// exec-dpu requests: 35 words.
	InlinePayloadSize = 35 * 4

	// MaxDPUArgsSize is the argument limit of one DPU slot in a command list.
	MaxDPUArgsSize = 34 * 4

	// PDITypeDebug is the PDI type used when registering images.
	PDITypeDebug = 3

	// AIETypeAIE2 is the array type requested at context creation.
	AIETypeAIE2 = 1

	// SelfTestMaskAll enables every firmware self test.
	SelfTestMaskAll = 0x3F
)

// Buffer sync memory types.
const (
	SyncDevMem  uint16 = 0
	SyncHostMem uint16 = 2
)

// Placeholder is the request body of messages without parameters.
type Placeholder struct {
	_ uint32
}

// StatusResp is the response of messages that return only a status.
type StatusResp struct {
	Status Status
}

type SetRuntimeCfgReq struct {
	Type  uint32
	_     uint32
	Value uint64
}

type GetRuntimeCfgReq struct {
	Type uint32
}

type GetRuntimeCfgResp struct {
	Status Status
	_      uint32
	Value  uint64
}

type ProtocolVersionResp struct {
	Status Status
	Major  uint32
	Minor  uint32
}

type AssignMgmtPASIDReq struct {
	PASID uint16
	_     uint16
}

type AIEVersionResp struct {
	Status Status
	Major  uint32
	Minor  uint32
}

// AIETileInfo is the array description inside AIETileInfoResp.
type AIETileInfo struct {
	Size  uint32
	Major uint16
	Minor uint16
	Cols  uint16
	Rows  uint16

	CoreRows     uint16
	MemRows      uint16
	ShimRows     uint16
	CoreRowStart uint16
	MemRowStart  uint16
	ShimRowStart uint16

	CoreDMAChannels uint16
	MemDMAChannels  uint16
	ShimDMAChannels uint16
	CoreLocks       uint16
	MemLocks        uint16
	ShimLocks       uint16
	CoreEvents      uint16
	MemEvents       uint16
	ShimEvents      uint16
	_               uint16
}

type AIETileInfoResp struct {
	Status Status
	Info   AIETileInfo
}

type FirmwareVersionResp struct {
	Status Status
	Major  uint32
	Minor  uint32
	Sub    uint32
	Build  uint32
}

// CQInfo locates one ring of a queue pair. Addresses are in firmware address
// space and are translated by the host before channel creation.
type CQInfo struct {
	HeadAddr uint32
	TailAddr uint32
	BufAddr  uint32
	BufSize  uint32
}

// CQPair is a submission (x2i) and completion (i2x) ring pair.
type CQPair struct {
	X2I CQInfo
	I2X CQInfo
}

type CreateCtxReq struct {
	AIEType             uint32
	StartCol            uint8
	NumCol              uint8
	_                   uint16
	NumCQPairsRequested uint8
	_                   uint8
	PASID               uint16
	_                   [2]uint32
	ContextPriority     uint32
}

type CreateCtxResp struct {
	Status              Status
	ContextID           uint32
	MSIXID              uint16
	NumCQPairsAllocated uint8
	_                   uint8
	CQPairs             [MaxCQPairs]CQPair
}

type DestroyCtxReq struct {
	ContextID uint32
}

type MapHostBufferReq struct {
	ContextID uint32
	_         uint32
	BufAddr   uint64
	BufSize   uint64
}

type SelfTestReq struct {
	TestMask uint32
}

type ColumnStatusReq struct {
	DumpBuffAddr uint64
	DumpBuffSize uint32
	NumCols      uint32
	AIEBitmap    uint32
	_            uint32
}

type ColumnStatusResp struct {
	Status Status
	Size   uint32
}

type AsyncEventReq struct {
	BufAddr uint64
	BufSize uint32
	_       uint32
}

// AsyncEventMsg is what firmware delivers to a registered async event sink.
type AsyncEventMsg struct {
	Status Status
	Type   uint32
}

type PDIInfo struct {
	PDIID   uint32
	_       uint32
	Address uint64
	Size    uint32
	Type    uint32
}

type RegisterPDIReq struct {
	NumInfos uint32
	_        uint32
	Info     PDIInfo
}

type RegisterPDIResp struct {
	Status   Status
	RegIndex uint32
}

type UnregisterPDIReq struct {
	NumPDI uint32
	PDIID  uint32
}

// ConfigCUEntry binds a compute unit to the PDI at PDIAddr. PDIAddr is the
// device address shifted right by the device memory buffer shift.
type ConfigCUEntry struct {
	PDIAddr uint32
	CUFunc  uint32
}

type ConfigCUReq struct {
	NumCUs uint32
	Cfgs   [MaxNumCUs]ConfigCUEntry
}

type LegacyCUConfig struct {
	CUIdx   uint32
	CUFunc  uint32
	CUPDIID uint32
}

type LegacyConfigCUReq struct {
	NumCUs  uint32
	Configs [MaxNumCUs]LegacyCUConfig
}

type ExecBufReq struct {
	CUIdx   uint32
	Payload [InlinePayloadSize]byte
}

type ExecDPUReq struct {
	InstBufAddr uint64
	InstSize    uint32
	InstPropCnt uint32
	CUIdx       uint32
	Payload     [InlinePayloadSize]byte
}

type ChainExecReq struct {
	BufAddr uint64
	BufSize uint32
	Count   uint32
}

type ChainExecResp struct {
	Status        Status
	FailCmdIdx    uint32
	FailCmdStatus Status
}

type SyncBOReq struct {
	SrcAddr uint64
	DstAddr uint64
	Size    uint32
	SrcType uint16
	DstType uint16
}

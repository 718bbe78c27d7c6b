package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tsingmao/xdna/internal/api"
)

func TestMessageSizes(t *testing.T) {
	tests := []struct {
		name string
		msg  interface{}
		size int
	}{
		{"placeholder", Placeholder{}, 4},
		{"create ctx req", CreateCtxReq{}, 24},
		{"create ctx resp", CreateCtxResp{}, 12 + MaxCQPairs*32},
		{"exec buf req", ExecBufReq{}, 4 + InlinePayloadSize},
		{"exec dpu req", ExecDPUReq{}, 20 + InlinePayloadSize},
		{"chain exec req", ChainExecReq{}, 16},
		{"sync bo req", SyncBOReq{}, 24},
		{"column status req", ColumnStatusReq{}, 24},
		{"tile info resp", AIETileInfoResp{}, 4 + 44},
		{"config cu req", ConfigCUReq{}, 4 + MaxNumCUs*8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := binary.Size(tt.msg); got != tt.size {
				t.Errorf("Expected size %d, got %d", tt.size, got)
			}
		})
	}
}

func TestEncodeDecode_CreateContext(t *testing.T) {
	resp := CreateCtxResp{
		Status:              StatusSuccess,
		ContextID:           3,
		MSIXID:              9,
		NumCQPairsAllocated: 1,
	}
	resp.CQPairs[0].I2X = CQInfo{HeadAddr: 0x100, TailAddr: 0x104, BufAddr: 0x2000, BufSize: 0x400}

	b, err := Encode(&resp)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var decoded CreateCtxResp
	if err := Decode(b, &decoded); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded != resp {
		t.Errorf("Round trip mismatch: %+v vs %+v", decoded, resp)
	}

	st, err := ResponseStatus(b)
	if err != nil || st != StatusSuccess {
		t.Errorf("Expected success status, got %v (%v)", st, err)
	}
}

func TestDecode_ShortBuffer(t *testing.T) {
	var resp FirmwareVersionResp
	err := Decode(make([]byte, 8), &resp)
	if !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}

	if _, err := ResponseStatus([]byte{1, 2}); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for short status, got %v", err)
	}
}

func TestFrame(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	b, err := EncodeFrame(42, OpExecDPU, payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	h, got, err := DecodeFrame(b)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if h.ID != 42 || h.Opcode != OpExecDPU || h.Version() != FrameProtocolVersion {
		t.Errorf("Unexpected header: %+v", h)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Payload mismatch: %v", got)
	}

	if _, _, err := DecodeFrame(b[:FrameHeaderSize+3]); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("Expected size mismatch error, got %v", err)
	}
	if _, err := EncodeFrame(1, OpSyncBO, make([]byte, MaxFramePayload+1)); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("Expected oversized frame error, got %v", err)
	}
}

func TestOpcodeString(t *testing.T) {
	if OpChainExecBufferCF.String() != "CHAIN_EXEC_BUFFER_CF" {
		t.Errorf("Unexpected name %s", OpChainExecBufferCF)
	}
	if Opcode(0x999).String() != "OPCODE(0x999)" {
		t.Errorf("Unexpected name %s", Opcode(0x999))
	}
	if !OpCreateContext.IsManagement() || !OpSuspend.IsManagement() || OpExecDPU.IsManagement() {
		t.Error("IsManagement classification wrong")
	}
}

func TestPackSlots_ExactFit(t *testing.T) {
	slots := []Slot{
		CUSlot{CUIndex: 0, Args: make([]byte, 24)},
		CUSlot{CUIndex: 1, Args: bytes.Repeat([]byte{0xCD}, 24)},
	}
	dst := make([]byte, 64)

	n, err := PackSlots(dst, slots)
	if err != nil {
		t.Fatalf("PackSlots failed: %v", err)
	}
	if n != uint32(len(dst)) {
		t.Errorf("Expected full capacity %d, used %d", len(dst), n)
	}

	got, err := UnpackCUSlots(dst[:n], 2)
	if err != nil {
		t.Fatalf("UnpackCUSlots failed: %v", err)
	}
	if got[1].CUIndex != 1 || len(got[1].Args) != 24 || got[1].Args[0] != 0xCD {
		t.Errorf("Unexpected second slot: %+v", got[1])
	}
}

func TestPackSlots_OverflowLeavesBufferUnchanged(t *testing.T) {
	slots := []Slot{
		CUSlot{CUIndex: 0, Args: make([]byte, 24)},
		CUSlot{CUIndex: 1, Args: make([]byte, 24)},
	}
	dst := bytes.Repeat([]byte{0xAA}, 63)
	orig := append([]byte(nil), dst...)

	_, err := PackSlots(dst, slots)
	if !errors.Is(err, api.ErrNoSpace) {
		t.Fatalf("Expected ErrNoSpace, got %v", err)
	}
	if !bytes.Equal(dst, orig) {
		t.Error("Buffer modified by failed pack")
	}
}

func TestPackSlots_DPU(t *testing.T) {
	slots := []Slot{
		DPUSlot{InstAddr: 0x1000, InstSize: 64, CUIndex: 2, Args: make([]byte, 8)},
	}
	dst := make([]byte, DefaultCmdBufSize)

	n, err := PackSlots(dst, slots)
	if err != nil {
		t.Fatalf("PackSlots failed: %v", err)
	}
	if n != DPUSlotHeaderSize+8 {
		t.Errorf("Expected %d bytes, got %d", DPUSlotHeaderSize+8, n)
	}

	got, err := UnpackDPUSlots(dst[:n], 1)
	if err != nil {
		t.Fatalf("UnpackDPUSlots failed: %v", err)
	}
	if got[0].InstAddr != 0x1000 || got[0].InstSize != 64 || got[0].CUIndex != 2 {
		t.Errorf("Unexpected slot: %+v", got[0])
	}

	tooBig := []Slot{DPUSlot{Args: make([]byte, MaxDPUArgsSize+4)}}
	if _, err := PackSlots(dst, tooBig); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for oversized dpu args, got %v", err)
	}
}

package device

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/emu"
	"github.com/tsingmao/xdna/internal/protocol"
)

func (h *harness) createContext(cols api.ColumnRange, cus int) *HWContext {
	h.t.Helper()
	opts := ContextOptions{Name: "test", Cols: cols}
	for i := 0; i < cus; i++ {
		opts.CUs = append(opts.CUs, api.CUConfig{
			Func:    uint32(i),
			PDIAddr: 0x10000 * uint64(i+1),
			Image:   bytes.Repeat([]byte{byte(i + 1)}, 256),
		})
	}
	hwctx, err := h.dev.CreateContext(context.Background(), opts)
	if err != nil {
		h.t.Fatalf("CreateContext failed: %v", err)
	}
	return hwctx
}

func TestCreateDestroyContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	hwctx := h.createContext(api.ColumnRange{Start: 1, Count: 2}, 1)
	if !hwctx.Bound() {
		t.Fatal("Expected bound context")
	}
	if h.fw.Contexts() != 1 || len(h.dev.Contexts()) != 1 {
		t.Fatalf("Expected one live context, firmware %d host %d", h.fw.Contexts(), len(h.dev.Contexts()))
	}
	if got := len(hwctx.cmdBufs); got != h.cfg.Limits.CmdBufCount {
		t.Errorf("Expected %d command buffers, got %d", h.cfg.Limits.CmdBufCount, got)
	}

	if err := h.dev.DestroyContext(ctx, hwctx); err != nil {
		t.Fatalf("DestroyContext failed: %v", err)
	}
	if hwctx.ID() != api.UnboundContext {
		t.Errorf("Expected unbound id, got %d", hwctx.ID())
	}
	if h.fw.Contexts() != 0 || len(h.dev.Contexts()) != 0 {
		t.Errorf("Expected no live context, firmware %d host %d", h.fw.Contexts(), len(h.dev.Contexts()))
	}
	if h.mem.Live() != 0 {
		t.Errorf("Expected command buffers freed, %d live", h.mem.Live())
	}

	if err := h.dev.DestroyContext(ctx, hwctx); err != nil {
		t.Errorf("Second DestroyContext failed: %v", err)
	}
	if n := h.fw.Requests(protocol.OpDestroyContext); n != 1 {
		t.Errorf("Expected 1 destroy request, got %d", n)
	}
}

func TestDestroyContext_RejectedStillTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	hwctx := h.createContext(api.ColumnRange{Start: 0, Count: 1}, 0)
	h.fw.SetStatus(protocol.OpDestroyContext, 0x7)

	if err := h.dev.DestroyContext(context.Background(), hwctx); err != nil {
		t.Errorf("Expected rejected destroy to be swallowed, got %v", err)
	}
	if h.fw.Requests(protocol.OpDestroyContext) != 1 {
		t.Error("Expected the destroy request to reach firmware")
	}
	if hwctx.Bound() || len(h.dev.Contexts()) != 0 {
		t.Error("Expected context torn down on the host")
	}
}

func TestCreateContext_InvalidColumns(t *testing.T) {
	h := newHarness(t, nil)

	tests := []api.ColumnRange{
		{Start: 0, Count: 0},
		{Start: 4, Count: 2},
		{Start: 5, Count: 1},
	}
	for _, cols := range tests {
		t.Run(cols.String(), func(t *testing.T) {
			_, err := h.dev.CreateContext(context.Background(), ContextOptions{Cols: cols})
			if !errors.Is(err, api.ErrInvalidArgument) {
				t.Errorf("Expected ErrInvalidArgument, got %v", err)
			}
		})
	}
	if n := h.fw.Requests(protocol.OpCreateContext); n != 0 {
		t.Errorf("Expected no create request, got %d", n)
	}
}

func TestCreateContext_TransportFailure(t *testing.T) {
	tests := []struct {
		name   string
		inject func(fw *emu.Firmware, err error)
	}{
		{"vector", (*emu.Firmware).FailIRQVector},
		{"channel", (*emu.Firmware).FailCreateChannel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			fault := errors.New("injected")
			tt.inject(h.fw, fault)

			_, err := h.dev.CreateContext(context.Background(), ContextOptions{Cols: api.ColumnRange{Start: 0, Count: 1}})
			if !errors.Is(err, fault) {
				t.Fatalf("Expected injected error, got %v", err)
			}
			if h.fw.Contexts() != 0 {
				t.Errorf("Expected firmware context destroyed, %d live", h.fw.Contexts())
			}
			if h.fw.Requests(protocol.OpDestroyContext) != 1 {
				t.Errorf("Expected 1 destroy request, got %d", h.fw.Requests(protocol.OpDestroyContext))
			}
			if len(h.dev.Contexts()) != 0 {
				t.Error("Failed context must not be registered")
			}
		})
	}
}

func TestCreateContext_WindowMismatch(t *testing.T) {
	h := newHarness(t, nil)
	// Host translates against a window firmware does not use.
	h.cfg.Memory.SRAMDevAddr += 0x1000

	_, err := h.dev.CreateContext(context.Background(), ContextOptions{Cols: api.ColumnRange{Start: 0, Count: 1}})
	if !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
	if h.fw.Contexts() != 0 {
		t.Error("Expected firmware context destroyed")
	}
}

func TestMapHostBuffer(t *testing.T) {
	h := newHarness(t, nil)
	hwctx := h.createContext(api.ColumnRange{Start: 0, Count: 1}, 0)

	if err := h.dev.MapHostBuffer(context.Background(), hwctx.ID(), 0x8000_0000, 0x10000); err != nil {
		t.Errorf("MapHostBuffer failed: %v", err)
	}
	if err := h.dev.MapHostBuffer(context.Background(), 99, 0x8000_0000, 0x10000); !errors.Is(err, api.ErrCommandRejected) {
		t.Errorf("Expected ErrCommandRejected for unknown context, got %v", err)
	}
}

func TestConfigCU(t *testing.T) {
	h := newHarness(t, nil)
	hwctx := h.createContext(api.ColumnRange{Start: 0, Count: 2}, 3)

	if err := h.dev.ConfigCU(context.Background(), hwctx); err != nil {
		t.Fatalf("ConfigCU failed: %v", err)
	}
	if n := h.fw.Requests(protocol.OpConfigCU); n != 1 {
		t.Errorf("Expected 1 config request, got %d", n)
	}
}

func TestConfigCU_TooManyUnits(t *testing.T) {
	h := newHarness(t, nil)
	hwctx := h.createContext(api.ColumnRange{Start: 0, Count: 1}, protocol.MaxNumCUs+1)

	err := h.dev.ConfigCU(context.Background(), hwctx)
	if !errors.Is(err, api.ErrTooManyUnits) || !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("Expected ErrTooManyUnits, got %v", err)
	}
	if n := h.fw.Requests(protocol.OpConfigCU); n != 0 {
		t.Errorf("Expected no config request, got %d", n)
	}
}

func TestConfigCU_TimeoutDestroysContext(t *testing.T) {
	h := newHarness(t, nil)
	hwctx := h.createContext(api.ColumnRange{Start: 0, Count: 1}, 1)
	h.fw.Drop(protocol.OpConfigCU, true)

	if err := h.dev.ConfigCU(context.Background(), hwctx); !errors.Is(err, api.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if hwctx.Bound() {
		t.Error("Expected context destroyed after timeout")
	}
	if h.fw.Contexts() != 0 {
		t.Error("Expected firmware context destroyed after timeout")
	}
	if err := h.dev.ConfigCU(context.Background(), hwctx); !errors.Is(err, api.ErrNoChannel) {
		t.Errorf("Expected ErrNoChannel on destroyed context, got %v", err)
	}
}

func TestQueryStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.createContext(api.ColumnRange{Start: 0, Count: 1}, 0)
	h.createContext(api.ColumnRange{Start: 2, Count: 2}, 0)

	var out bytes.Buffer
	bitmap, err := h.dev.QueryStatus(context.Background(), &out, 256)
	if err != nil {
		t.Fatalf("QueryStatus failed: %v", err)
	}
	if bitmap != 0xD {
		t.Errorf("Expected bitmap 0xd, got 0x%x", bitmap)
	}
	if out.Len() != 3*emu.ColumnStatusSize {
		t.Fatalf("Expected %d bytes, got %d", 3*emu.ColumnStatusSize, out.Len())
	}

	dump := out.Bytes()
	for i, col := range []uint32{0, 2, 3} {
		rec := dump[i*emu.ColumnStatusSize:]
		if got := protocol.ByteOrder.Uint32(rec[0:4]); got != col {
			t.Errorf("Record %d: expected column %d, got %d", i, col, got)
		}
		if got := protocol.ByteOrder.Uint32(rec[4:8]); got != emu.ColumnActive {
			t.Errorf("Record %d: expected active column, got %d", i, got)
		}
	}
}

func TestQueryStatus_UndersizedBuffer(t *testing.T) {
	h := newHarness(t, nil)
	h.createContext(api.ColumnRange{Start: 0, Count: 4}, 0)

	var out bytes.Buffer
	_, err := h.dev.QueryStatus(context.Background(), &out, 2*emu.ColumnStatusSize)
	if !errors.Is(err, api.ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("Expected nothing written, got %d bytes", out.Len())
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("bad address") }

func TestQueryStatus_WriteFault(t *testing.T) {
	h := newHarness(t, nil)
	h.createContext(api.ColumnRange{Start: 0, Count: 1}, 0)

	if _, err := h.dev.QueryStatus(context.Background(), failingWriter{}, 64); !errors.Is(err, api.ErrIOFault) {
		t.Errorf("Expected ErrIOFault, got %v", err)
	}
}

package device

import (
	"context"
	"errors"
	"testing"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/config"
	"github.com/tsingmao/xdna/internal/protocol"
)

func TestRegisterPDIs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	hwctx := h.createContext(api.ColumnRange{Start: 0, Count: 1}, 2)

	if err := h.dev.RegisterPDIs(ctx, hwctx); err != nil {
		t.Fatalf("RegisterPDIs failed: %v", err)
	}
	if h.fw.PDIs() != 2 || h.dev.PDIsInUse() != 2 {
		t.Fatalf("Expected 2 pdis, firmware %d host %d", h.fw.PDIs(), h.dev.PDIsInUse())
	}
	if err := h.dev.LegacyConfigCU(ctx, hwctx); err != nil {
		t.Fatalf("LegacyConfigCU failed: %v", err)
	}

	if err := h.dev.UnregisterPDIs(ctx, hwctx); err != nil {
		t.Fatalf("UnregisterPDIs failed: %v", err)
	}
	if h.fw.PDIs() != 0 || h.dev.PDIsInUse() != 0 {
		t.Errorf("Expected no pdis, firmware %d host %d", h.fw.PDIs(), h.dev.PDIsInUse())
	}
	if live, want := h.mem.Live(), h.cfg.Limits.CmdBufCount; live != want {
		t.Errorf("Expected only %d command buffers live, got %d", want, live)
	}
}

func TestRegisterPDIs_TooManyUnits(t *testing.T) {
	h := newHarness(t, nil)
	hwctx := h.createContext(api.ColumnRange{Start: 0, Count: 1}, protocol.MaxNumCUs+1)
	before := h.fw.TotalRequests()

	if err := h.dev.RegisterPDIs(context.Background(), hwctx); !errors.Is(err, api.ErrTooManyUnits) {
		t.Fatalf("Expected ErrTooManyUnits, got %v", err)
	}
	if h.fw.TotalRequests() != before {
		t.Error("Expected no firmware traffic")
	}
	if h.dev.PDIsInUse() != 0 {
		t.Errorf("Expected no pdi ids in use, got %d", h.dev.PDIsInUse())
	}
}

func TestRegisterPDIs_FailureCleansUp(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *config.Config)
		prepare func(h *harness, hwctx *HWContext)
		wantErr error

		// registered is how many pdis firmware accepted before the failure.
		registered int
	}{
		{
			name: "firmware rejects",
			prepare: func(h *harness, _ *HWContext) {
				h.fw.SetStatus(protocol.OpRegisterPDI, 0x9)
			},
			wantErr: api.ErrCommandRejected,
		},
		{
			name: "second image empty",
			prepare: func(_ *harness, hwctx *HWContext) {
				hwctx.cus[1].Image = nil
			},
			wantErr:    api.ErrInvalidArgument,
			registered: 1,
		},
		{
			name:       "id pool exhausted",
			mutate:     func(cfg *config.Config) { cfg.Limits.MaxPDIID = 0 },
			wantErr:    api.ErrResourceExhausted,
			registered: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.mutate)
			hwctx := h.createContext(api.ColumnRange{Start: 0, Count: 1}, 2)
			if tt.prepare != nil {
				tt.prepare(h, hwctx)
			}

			err := h.dev.RegisterPDIs(context.Background(), hwctx)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if h.dev.PDIsInUse() != 0 {
				t.Errorf("Expected id pool empty, %d in use", h.dev.PDIsInUse())
			}
			if h.fw.PDIs() != 0 {
				t.Errorf("Expected firmware to hold no pdi, got %d", h.fw.PDIs())
			}
			if n := h.fw.Requests(protocol.OpUnregisterPDI); n != tt.registered {
				t.Errorf("Expected %d unregister requests, got %d", tt.registered, n)
			}
			if live, want := h.mem.Live(), h.cfg.Limits.CmdBufCount; live != want {
				t.Errorf("Expected staging buffers freed, %d live, want %d", live, want)
			}
		})
	}
}

func TestUnregisterPDIs_ContinuesPastFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	hwctx := h.createContext(api.ColumnRange{Start: 0, Count: 1}, 3)

	if err := h.dev.RegisterPDIs(ctx, hwctx); err != nil {
		t.Fatal(err)
	}
	h.fw.SetStatus(protocol.OpUnregisterPDI, 0x5)

	err := h.dev.UnregisterPDIs(ctx, hwctx)
	if !errors.Is(err, api.ErrCommandRejected) {
		t.Fatalf("Expected ErrCommandRejected, got %v", err)
	}
	if n := h.fw.Requests(protocol.OpUnregisterPDI); n != 3 {
		t.Errorf("Expected every pdi to be unregistered, got %d requests", n)
	}
	if h.dev.PDIsInUse() != 0 {
		t.Errorf("Expected ids released, %d in use", h.dev.PDIsInUse())
	}
	if len(hwctx.pdis) != 0 {
		t.Errorf("Expected records dropped, %d left", len(hwctx.pdis))
	}
}

func TestLegacyConfigCU_RequiresPDIs(t *testing.T) {
	h := newHarness(t, nil)
	hwctx := h.createContext(api.ColumnRange{Start: 0, Count: 1}, 1)

	if err := h.dev.LegacyConfigCU(context.Background(), hwctx); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
}

package dma

import (
	"errors"
	"testing"

	"github.com/tsingmao/xdna/internal/api"
)

func TestHostAllocator_AllocLookupFree(t *testing.T) {
	a := NewHostAllocator(DefaultIOVABase)

	b, err := a.Alloc(100, ToDevice)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if b.Size() != 100 {
		t.Errorf("Expected size 100, got %d", b.Size())
	}
	if b.DevAddr() != DefaultIOVABase {
		t.Errorf("Expected address 0x%x, got 0x%x", uint64(DefaultIOVABase), b.DevAddr())
	}

	copy(b.Bytes(), []byte("firmware"))
	if err := b.Flush(0, 8); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	view, err := a.Lookup(b.DevAddr()+4, 4)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if string(view) != "ware" {
		t.Errorf("Expected %q, got %q", "ware", view)
	}

	if _, err := a.Lookup(b.DevAddr()+98, 4); !errors.Is(err, api.ErrIOFault) {
		t.Errorf("Expected ErrIOFault for range past end, got %v", err)
	}

	b.Free()
	b.Free()
	if a.Live() != 0 {
		t.Errorf("Expected no live buffers, got %d", a.Live())
	}
	if b.Bytes() != nil {
		t.Error("Expected nil bytes after Free")
	}
	if _, err := a.Lookup(b.DevAddr(), 1); err == nil {
		t.Error("Expected lookup of freed buffer to fail")
	}
}

func TestHostAllocator_DistinctAddresses(t *testing.T) {
	a := NewHostAllocator(0x1000)

	b1, err := a.Alloc(10, FromDevice)
	if err != nil {
		t.Fatal(err)
	}
	defer b1.Free()
	b2, err := a.Alloc(10, FromDevice)
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Free()

	if b2.DevAddr() < b1.DevAddr()+uint64(b1.Size()) {
		t.Errorf("Buffers overlap: 0x%x and 0x%x", b1.DevAddr(), b2.DevAddr())
	}
}

func TestHostAllocator_InvalidSize(t *testing.T) {
	a := NewHostAllocator(0)
	if _, err := a.Alloc(0, ToDevice); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
}

func TestBuffer_FlushRange(t *testing.T) {
	a := NewHostAllocator(0)
	b, err := a.Alloc(64, Bidirectional)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Free()

	tests := []struct {
		name    string
		off, n  int
		wantErr bool
	}{
		{"whole", 0, 64, false},
		{"empty", 10, 0, false},
		{"tail", 60, 4, false},
		{"past end", 60, 5, true},
		{"negative", -1, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Flush(tt.off, tt.n)
			if (err != nil) != tt.wantErr {
				t.Errorf("Flush(%d, %d) error = %v, wantErr %v", tt.off, tt.n, err, tt.wantErr)
			}
		})
	}
}

func TestIDPool(t *testing.T) {
	p := NewIDPool(2)

	for want := 0; want <= 2; want++ {
		id, err := p.Get()
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if id != want {
			t.Errorf("Expected id %d, got %d", want, id)
		}
	}

	if _, err := p.Get(); !errors.Is(err, api.ErrResourceExhausted) {
		t.Errorf("Expected ErrResourceExhausted, got %v", err)
	}

	if !p.Put(1) {
		t.Error("Expected Put(1) to succeed")
	}
	if p.Put(1) {
		t.Error("Expected second Put(1) to fail")
	}
	if p.Put(7) {
		t.Error("Expected Put of out-of-range id to fail")
	}

	id, err := p.Get()
	if err != nil || id != 1 {
		t.Errorf("Expected reuse of id 1, got %d (%v)", id, err)
	}
	if p.InUse() != 3 {
		t.Errorf("Expected 3 ids in use, got %d", p.InUse())
	}
}

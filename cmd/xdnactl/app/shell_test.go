package app

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/funcr"

	"github.com/tsingmao/xdna/internal/config"
	"github.com/tsingmao/xdna/internal/device"
	"github.com/tsingmao/xdna/internal/dma"
	"github.com/tsingmao/xdna/internal/emu"
	"github.com/tsingmao/xdna/internal/logger"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Mailbox.RxTimeout = 500 * time.Millisecond
	mem := dma.NewHostAllocator(dma.DefaultIOVABase)
	fw := emu.New(mem, emu.DefaultOptions())
	dev := device.New(device.Options{Config: cfg, Transport: fw, Allocator: mem, PASID: defaultPASID})
	dev.AttachManagementChannel(fw.ManagementChannel())
	if err := dev.Init(ctx); err != nil {
		t.Fatal(err)
	}
	s := &session{cfg: cfg, mem: mem, fw: fw, dev: dev}

	var out bytes.Buffer
	sh := newShell(ctx, s, &out)
	t.Cleanup(func() {
		sh.close()
		s.Close(ctx)
	})
	return sh, &out
}

func TestShell(t *testing.T) {
	sh, out := newTestShell(t)

	steps := []struct {
		line    string
		want    string
		wantErr bool
	}{
		{"help", "Commands:", false},
		{"info", "protocol 5.6", false},
		{"create 0:2 2", "context 1 on columns", false},
		{"create 9:1", "", true},
		{"contexts", "shell-0", false},
		{"exec 1 3", "3 command(s) completed", false},
		{"exec 7 1", "", true},
		{"status", "bitmap 0x3", false},
		{"rc set 5 0x20", "", false},
		{"rc get 5", "5 = 0x20", false},
		{"event 2", "event type 2", false},
		{"selftest", "self test passed", false},
		{"destroy 1", "context 1 destroyed", false},
		{"bogus", "", true},
	}

	for _, step := range steps {
		out.Reset()
		quit, err := sh.exec(step.line)
		if quit {
			t.Fatalf("%q: unexpected quit", step.line)
		}
		if (err != nil) != step.wantErr {
			t.Fatalf("%q: error = %v, wantErr %v", step.line, err, step.wantErr)
		}
		if step.want != "" && !strings.Contains(out.String(), step.want) {
			t.Errorf("%q: expected output containing %q, got %q", step.line, step.want, out.String())
		}
	}

	if len(sh.contexts) != 0 {
		t.Errorf("Expected no shell contexts, got %d", len(sh.contexts))
	}
	if quit, _ := sh.exec("quit"); !quit {
		t.Error("Expected quit to end the shell")
	}
}

func TestShell_CloseDestroysContexts(t *testing.T) {
	sh, _ := newTestShell(t)
	if _, err := sh.exec("create 1:1"); err != nil {
		t.Fatal(err)
	}
	sh.close()
	if n := sh.s.fw.Contexts(); n != 0 {
		t.Errorf("Expected firmware contexts released, got %d", n)
	}
}

func TestShell_DestroyFailureIsLogged(t *testing.T) {
	sh, _ := newTestShell(t)
	if _, err := sh.exec("create 0:1"); err != nil {
		t.Fatal(err)
	}

	var lines []string
	prev := logger.Logger()
	logger.SetLogger(funcr.New(func(prefix, args string) {
		lines = append(lines, args)
	}, funcr.Options{}))
	defer logger.SetLogger(prev)

	live := sh.ctx
	ctx, cancel := context.WithCancel(live)
	cancel()
	sh.ctx = ctx
	sh.destroy(1)
	sh.ctx = live

	found := false
	for _, l := range lines {
		if strings.Contains(l, "destroy context shell-0") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected destroy failure to be logged, got %v", lines)
	}
	if len(sh.contexts) != 0 {
		t.Errorf("Expected context dropped from the shell, got %d", len(sh.contexts))
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Protocol.Major != DefaultProtocolMajor || cfg.Protocol.Minor != DefaultProtocolMinor {
		t.Errorf("Expected protocol %d.%d, got %d.%d",
			DefaultProtocolMajor, DefaultProtocolMinor, cfg.Protocol.Major, cfg.Protocol.Minor)
	}
	if cfg.Limits.CmdBufSize != DefaultCmdBufSize {
		t.Errorf("Expected cmd buf size %d, got %d", DefaultCmdBufSize, cfg.Limits.CmdBufSize)
	}
	if cfg.SelfTestMask != DefaultSelfTestMask {
		t.Errorf("Expected self test mask 0x%x, got 0x%x", DefaultSelfTestMask, cfg.SelfTestMask)
	}
}

func TestParse_Overrides(t *testing.T) {
	data := []byte(`
protocol:
  major: 6
  minor: 1
mailbox:
  rx_timeout: 250ms
limits:
  cmd_buf_size: 8KiB
  cmd_buf_count: 2
memory:
  mbox_dev_addr: 0x13000000
  dev_mem_buf_shift: 16
runtime_config:
  - key: 1
    value: 3
debug:
  force_unchained_command: true
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Protocol.Major != 6 || cfg.Protocol.Minor != 1 {
		t.Errorf("Expected protocol 6.1, got %d.%d", cfg.Protocol.Major, cfg.Protocol.Minor)
	}
	if cfg.Mailbox.RxTimeout != 250*time.Millisecond {
		t.Errorf("Expected rx timeout 250ms, got %s", cfg.Mailbox.RxTimeout)
	}
	if cfg.Mailbox.TxTimeout != DefaultTxTimeout {
		t.Errorf("Expected default tx timeout, got %s", cfg.Mailbox.TxTimeout)
	}
	if cfg.Limits.CmdBufSize != 8192 {
		t.Errorf("Expected cmd buf size 8192, got %d", cfg.Limits.CmdBufSize)
	}
	if cfg.Memory.MboxDevAddr != 0x13000000 {
		t.Errorf("Expected mbox addr 0x13000000, got 0x%x", cfg.Memory.MboxDevAddr)
	}
	if cfg.Memory.DevMemBufShift != 16 {
		t.Errorf("Expected shift 16, got %d", cfg.Memory.DevMemBufShift)
	}
	if len(cfg.RuntimeConfig) != 1 || cfg.RuntimeConfig[0].Key != 1 || cfg.RuntimeConfig[0].Value != 3 {
		t.Errorf("Unexpected runtime config: %+v", cfg.RuntimeConfig)
	}
	if !cfg.Debug.ForceUnchainedCommand {
		t.Error("Expected force_unchained_command to be set")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "protocol: [1"},
		{"bad size", "limits:\n  cmd_buf_size: lots"},
		{"unaligned size", "limits:\n  cmd_buf_size: 10"},
		{"zero buffers", "limits:\n  cmd_buf_count: 0"},
		{"negative timeout", "mailbox:\n  rx_timeout: -1s"},
		{"empty mask", "self_test_mask: 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Errorf("Expected error for %q", tt.data)
			}
		})
	}
}

func TestLoad_PathPriority(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "explicit.yaml")
	fromEnv := filepath.Join(dir, "env.yaml")
	if err := os.WriteFile(explicit, []byte("protocol:\n  minor: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fromEnv, []byte("protocol:\n  minor: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigEnvVar, fromEnv)

	cfg, err := Load(explicit)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Protocol.Minor != 9 {
		t.Errorf("Expected explicit path to win, got minor %d", cfg.Protocol.Minor)
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Protocol.Minor != 8 {
		t.Errorf("Expected env path to be used, got minor %d", cfg.Protocol.Minor)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing explicit file")
	}
}

func TestSize_String(t *testing.T) {
	if got := Size(4096).String(); got != "4KiB" {
		t.Errorf("Expected 4KiB, got %s", got)
	}
}

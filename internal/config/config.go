// Package config loads the xdna configuration.
//
// The configuration describes what the host expects from firmware and how it
// talks to it:
//   - Protocol version the host requires
//   - Mailbox send and response timeouts
//   - Resource limits (PDI ids, command buffer geometry)
//   - Device address windows used to translate firmware-reported addresses
//   - Runtime configuration applied at bring-up
//   - Debug switches
//
// Configuration is read from YAML. Missing fields keep their defaults, so an
// empty file is a valid configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/tsingmao/xdna/internal/logger"
)

const (
	// DefaultConfigPath is read when neither a path nor XDNA_CONFIG is given.
	DefaultConfigPath = "/etc/xdna/xdna.yaml"

	// ConfigEnvVar names the environment variable overriding the config path.
	ConfigEnvVar = "XDNA_CONFIG"

	DefaultProtocolMajor = 5
	DefaultProtocolMinor = 6

	DefaultTxTimeout = 2 * time.Second
	DefaultRxTimeout = 5 * time.Second

	// DefaultMaxPDIID is the highest PDI id handed to firmware.
	DefaultMaxPDIID = 255

	DefaultCmdBufSize  = 4 * units.KiB
	DefaultCmdBufCount = 4

	DefaultMboxDevAddr = 0x3000000
	DefaultSRAMDevAddr = 0x4000000

	// DefaultSelfTestMask runs every firmware self test.
	DefaultSelfTestMask = 0x3F
)

// Config is the root of the configuration file.
type Config struct {
	Protocol ProtocolConfig `yaml:"protocol"`
	Mailbox  MailboxConfig  `yaml:"mailbox"`
	Limits   LimitsConfig   `yaml:"limits"`
	Memory   MemoryConfig   `yaml:"memory"`

	// RuntimeConfig lists firmware runtime settings applied in order at
	// device bring-up.
	RuntimeConfig []RuntimeConfigEntry `yaml:"runtime_config,omitempty"`

	SelfTestMask uint32      `yaml:"self_test_mask"`
	Debug        DebugConfig `yaml:"debug"`
}

// ProtocolConfig is the firmware protocol version the host drives. Firmware
// must report the same major and at least this minor.
type ProtocolConfig struct {
	Major uint32 `yaml:"major"`
	Minor uint32 `yaml:"minor"`
}

// MailboxConfig holds mailbox timeouts.
type MailboxConfig struct {
	// TxTimeout bounds how long a send may wait for ring space.
	TxTimeout time.Duration `yaml:"tx_timeout"`

	// RxTimeout bounds how long a synchronous request waits for its response.
	RxTimeout time.Duration `yaml:"rx_timeout"`
}

// LimitsConfig bounds host-side resources.
type LimitsConfig struct {
	MaxPDIID    uint `yaml:"max_pdi_id"`
	CmdBufSize  Size `yaml:"cmd_buf_size"`
	CmdBufCount int  `yaml:"cmd_buf_count"`
}

// MemoryConfig describes the device address windows.
type MemoryConfig struct {
	// MboxDevAddr is the device address of the mailbox register window.
	// Firmware-reported register addresses are rebased against it.
	MboxDevAddr uint32 `yaml:"mbox_dev_addr"`

	// SRAMDevAddr is the device address of the SRAM window holding rings.
	SRAMDevAddr uint32 `yaml:"sram_dev_addr"`

	// DevMemBufShift converts PDI device addresses to the unit firmware
	// expects in config-cu requests.
	DevMemBufShift uint `yaml:"dev_mem_buf_shift"`
}

// RuntimeConfigEntry is one firmware runtime key/value pair.
type RuntimeConfigEntry struct {
	Key   uint32 `yaml:"key"`
	Value uint64 `yaml:"value"`
}

// DebugConfig holds debugging switches.
type DebugConfig struct {
	// ForceUnchainedCommand submits every command of a multi-command job
	// individually instead of as one command list.
	ForceUnchainedCommand bool `yaml:"force_unchained_command"`
}

// Size is a byte count written in human form ("4KiB", "1MiB").
type Size int64

// UnmarshalYAML accepts either a plain integer or a human size string.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*s = Size(n)
		return nil
	}

	var str string
	if err := value.Decode(&str); err != nil {
		return fmt.Errorf("failed to decode size: %w", err)
	}
	n, err := units.RAMInBytes(str)
	if err != nil {
		return fmt.Errorf("failed to parse size %q: %w", str, err)
	}
	*s = Size(n)
	return nil
}

// MarshalYAML writes the size in human form.
func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Protocol: ProtocolConfig{
			Major: DefaultProtocolMajor,
			Minor: DefaultProtocolMinor,
		},
		Mailbox: MailboxConfig{
			TxTimeout: DefaultTxTimeout,
			RxTimeout: DefaultRxTimeout,
		},
		Limits: LimitsConfig{
			MaxPDIID:    DefaultMaxPDIID,
			CmdBufSize:  DefaultCmdBufSize,
			CmdBufCount: DefaultCmdBufCount,
		},
		Memory: MemoryConfig{
			MboxDevAddr: DefaultMboxDevAddr,
			SRAMDevAddr: DefaultSRAMDevAddr,
		},
		SelfTestMask: DefaultSelfTestMask,
	}
}

// Load reads the configuration file.
//
// Configuration File Location Priority:
//  1. Provided path parameter
//  2. XDNA_CONFIG environment variable
//  3. Default: /etc/xdna/xdna.yaml
//
// A missing file at the default location is not an error; the built-in
// defaults are returned. A missing file that was asked for explicitly is.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		if envPath := os.Getenv(ConfigEnvVar); envPath != "" {
			path = envPath
			logger.Debug("Using config from %s: %s", ConfigEnvVar, path)
		} else {
			path = DefaultConfigPath
			explicit = false
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			logger.Debug("No config at %s, using defaults", path)
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	logger.Debug("Loaded config %s: protocol %d.%d, rx timeout %s",
		path, cfg.Protocol.Major, cfg.Protocol.Minor, cfg.Mailbox.RxTimeout)
	return cfg, nil
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the core cannot work with.
func (c *Config) Validate() error {
	if c.Mailbox.TxTimeout <= 0 {
		return fmt.Errorf("mailbox.tx_timeout must be positive, got %s", c.Mailbox.TxTimeout)
	}
	if c.Mailbox.RxTimeout <= 0 {
		return fmt.Errorf("mailbox.rx_timeout must be positive, got %s", c.Mailbox.RxTimeout)
	}
	if c.Limits.CmdBufSize <= 0 || c.Limits.CmdBufSize%4 != 0 {
		return fmt.Errorf("limits.cmd_buf_size must be a positive multiple of 4, got %d", c.Limits.CmdBufSize)
	}
	if c.Limits.CmdBufCount <= 0 {
		return fmt.Errorf("limits.cmd_buf_count must be positive, got %d", c.Limits.CmdBufCount)
	}
	if c.Memory.DevMemBufShift >= 64 {
		return fmt.Errorf("memory.dev_mem_buf_shift out of range: %d", c.Memory.DevMemBufShift)
	}
	if c.SelfTestMask == 0 {
		return fmt.Errorf("self_test_mask must select at least one test")
	}
	return nil
}

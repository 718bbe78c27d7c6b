// Package app provides the command-line interface implementation for xdnactl.
//
// Commands are organized with cobra: a root command carrying global flags
// (configuration path, output format, klog verbosity) and one subcommand per
// management or submission operation. Every command runs against a device
// session backed by the in-process firmware emulator.
package app

import (
	"context"
	goflag "flag"
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/tsingmao/xdna/internal/config"
	"github.com/tsingmao/xdna/internal/device"
	"github.com/tsingmao/xdna/internal/dma"
	"github.com/tsingmao/xdna/internal/emu"
	"github.com/tsingmao/xdna/internal/logger"
)

const (
	// cliName is the name of the CLI application
	cliName = "xdnactl"

	// cliDescription is the short description shown in help text
	cliDescription = "xdnactl - AIE2 accelerator mailbox diagnostics"

	// defaultPASID is assigned to the management channel of a session.
	defaultPASID = 1
)

// GlobalOptions holds options that are common to all commands
type GlobalOptions struct {
	// ConfigPath overrides the configuration file location.
	ConfigPath string

	// Output selects the output format: table, json, yaml or msgpack.
	Output string
}

// NewXdnactlCommand creates the root xdnactl command with all subcommands.
//
// Returns:
//   - A configured cobra.Command ready for execution
//
// Example:
//
//	cmd := NewXdnactlCommand()
//	if err := cmd.Execute(); err != nil {
//	    os.Exit(1)
//	}
func NewXdnactlCommand() *cobra.Command {
	opts := &GlobalOptions{}

	cmd := &cobra.Command{
		Use:   cliName,
		Short: cliDescription,
		Long: `xdnactl drives the host side of the AIE2 firmware mailbox protocol.

It initializes a device, issues management requests, creates execution
contexts, registers PDI images and submits commands. Without hardware the
firmware is emulated in process, which makes xdnactl useful for checking a
configuration file and for exploring the protocol.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := parseFormat(opts.Output); err != nil {
				return err
			}
			logger.SetLogger(klog.NewKlogr())
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "",
		fmt.Sprintf("config file (default: $%s or %s)", config.ConfigEnvVar, config.DefaultConfigPath))
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", string(formatTable),
		"output format: table, json, yaml or msgpack")

	klogFlags := goflag.NewFlagSet(cliName, goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)

	cmd.AddCommand(
		NewVersionCommand(opts),
		NewInfoCommand(opts),
		NewStatusCommand(opts),
		NewSelfTestCommand(opts),
		NewRuntimeConfigCommand(opts),
		NewSuspendCommand(opts),
		NewResumeCommand(opts),
		NewRunCommand(opts),
		NewShellCommand(opts),
		NewDeviceCommand(opts),
	)

	return cmd
}

// session is an initialized device and the emulated firmware behind it.
type session struct {
	cfg *config.Config
	mem *dma.HostAllocator
	fw  *emu.Firmware
	dev *device.Device
}

// openSession loads the configuration and brings up an initialized device.
//
// Parameters:
//   - ctx: Context bounding initialization
//   - opts: Global options carrying the configuration path
//
// Returns:
//   - The session; callers must Close it
//   - error if the configuration is invalid or initialization fails
func openSession(ctx context.Context, opts *GlobalOptions) (*session, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	mem := dma.NewHostAllocator(dma.DefaultIOVABase)
	fwOpts := emu.DefaultOptions()
	fwOpts.MboxDevAddr = cfg.Memory.MboxDevAddr
	fwOpts.SRAMDevAddr = cfg.Memory.SRAMDevAddr
	fwOpts.TxTimeout = cfg.Mailbox.TxTimeout
	fw := emu.New(mem, fwOpts)

	dev := device.New(device.Options{Config: cfg, Transport: fw, Allocator: mem, PASID: defaultPASID})
	dev.AttachManagementChannel(fw.ManagementChannel())
	if err := dev.Init(ctx); err != nil {
		if cerr := dev.Close(ctx); cerr != nil {
			logger.Warn("close device after failed init: %v", cerr)
		}
		return nil, fmt.Errorf("failed to initialize device: %w", err)
	}

	return &session{cfg: cfg, mem: mem, fw: fw, dev: dev}, nil
}

func (s *session) Close(ctx context.Context) {
	if err := s.dev.Close(ctx); err != nil {
		logger.Warn("close device: %v", err)
	}
}

// withSession opens a session, runs fn and closes the session.
func withSession(cmd *cobra.Command, opts *GlobalOptions, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	return fn(ctx, s)
}

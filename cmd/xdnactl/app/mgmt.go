package app

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// RuntimeConfigValue is the result of runtime-config get.
type RuntimeConfigValue struct {
	Key   uint32 `json:"key" yaml:"key" msgpack:"key"`
	Value uint64 `json:"value" yaml:"value" msgpack:"value"`
}

// NewSelfTestCommand creates the selftest command.
func NewSelfTestCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Run the firmware self test",
		Long: `Ask firmware to run the self tests selected by self_test_mask in the
configuration file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, globalOpts, func(ctx context.Context, s *session) error {
				if err := s.dev.SelfTest(ctx); err != nil {
					return fmt.Errorf("self test failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Self test passed (mask 0x%x)\n", s.cfg.SelfTestMask)
				return nil
			})
		},
	}
}

// NewSuspendCommand creates the suspend command.
func NewSuspendCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "suspend",
		Short: "Suspend the firmware",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, globalOpts, func(ctx context.Context, s *session) error {
				if err := s.dev.Suspend(ctx); err != nil {
					return fmt.Errorf("failed to suspend: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Firmware suspended")
				return nil
			})
		},
	}
}

// NewResumeCommand creates the resume command. The session suspends the
// firmware first so the resume has something to undo.
func NewResumeCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the firmware",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, globalOpts, func(ctx context.Context, s *session) error {
				if err := s.dev.Suspend(ctx); err != nil {
					return fmt.Errorf("failed to suspend: %w", err)
				}
				if err := s.dev.Resume(ctx); err != nil {
					return fmt.Errorf("failed to resume: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Firmware resumed")
				return nil
			})
		},
	}
}

// NewRuntimeConfigCommand creates the runtime-config command.
//
// Usage:
//
//	xdnactl runtime-config get KEY
//	xdnactl runtime-config set KEY VALUE
func NewRuntimeConfigCommand(globalOpts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "runtime-config",
		Aliases: []string{"rc"},
		Short:   "Read or write firmware runtime configuration",
		Long: `Read or write firmware runtime configuration values.

Entries under runtime_config in the configuration file are applied at
initialization, before the command runs.`,
		Example: `  # Read key 1
  xdnactl runtime-config get 1

  # Write key 4 and read it back
  xdnactl runtime-config set 4 0x10`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get KEY",
			Short: "Read a runtime configuration value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := parseKey(args[0])
				if err != nil {
					return err
				}
				return withSession(cmd, globalOpts, func(ctx context.Context, s *session) error {
					value, err := s.dev.GetRuntimeConfig(ctx, key)
					if err != nil {
						return fmt.Errorf("failed to get runtime config %d: %w", key, err)
					}
					return printRuntimeConfig(cmd, globalOpts, RuntimeConfigValue{Key: key, Value: value})
				})
			},
		},
		&cobra.Command{
			Use:   "set KEY VALUE",
			Short: "Write a runtime configuration value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := parseKey(args[0])
				if err != nil {
					return err
				}
				value, err := strconv.ParseUint(args[1], 0, 64)
				if err != nil {
					return fmt.Errorf("invalid value %q: %w", args[1], err)
				}
				return withSession(cmd, globalOpts, func(ctx context.Context, s *session) error {
					if err := s.dev.SetRuntimeConfig(ctx, key, value); err != nil {
						return fmt.Errorf("failed to set runtime config %d: %w", key, err)
					}
					got, err := s.dev.GetRuntimeConfig(ctx, key)
					if err != nil {
						return fmt.Errorf("failed to read back runtime config %d: %w", key, err)
					}
					return printRuntimeConfig(cmd, globalOpts, RuntimeConfigValue{Key: key, Value: got})
				})
			},
		},
	)

	return cmd
}

func printRuntimeConfig(cmd *cobra.Command, opts *GlobalOptions, v RuntimeConfigValue) error {
	return printResult(cmd.OutOrStdout(), opts, v, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "KEY\tVALUE")
		fmt.Fprintf(tw, "%d\t0x%x\n", v.Key, v.Value)
	})
}

func parseKey(s string) (uint32, error) {
	key, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid key %q: %w", s, err)
	}
	return uint32(key), nil
}

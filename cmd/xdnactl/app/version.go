package app

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tsingmao/xdna/internal/api"
)

// Version is the xdnactl release.
const Version = "0.3.0"

// VersionInfo is the result of the version command.
type VersionInfo struct {
	Client   string              `json:"client" yaml:"client" msgpack:"client"`
	Protocol api.ProtocolVersion `json:"protocol" yaml:"protocol" msgpack:"protocol"`
	Firmware api.FirmwareVersion `json:"firmware" yaml:"firmware" msgpack:"firmware"`
	AIE      api.AIEVersion      `json:"aie" yaml:"aie" msgpack:"aie"`
}

// NewVersionCommand creates the version command.
//
// The version command initializes the device and reports the protocol,
// firmware and AI-engine versions it found.
//
// Usage:
//
//	xdnactl version
func NewVersionCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Long: `Display the client version together with the firmware protocol, firmware
and AI-engine versions reported at device initialization.`,
		Example: `  # Show versions
  xdnactl version

  # As JSON
  xdnactl version -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, globalOpts, func(ctx context.Context, s *session) error {
				info := s.dev.Info()
				v := VersionInfo{
					Client:   Version,
					Protocol: info.Protocol,
					Firmware: info.Firmware,
					AIE:      info.AIE,
				}
				return printResult(cmd.OutOrStdout(), globalOpts, v, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "Client Version:\t%s\n", v.Client)
					fmt.Fprintf(tw, "Protocol:\t%s\n", v.Protocol)
					fmt.Fprintf(tw, "Firmware:\t%s\n", v.Firmware)
					fmt.Fprintf(tw, "AIE:\t%s\n", v.AIE)
				})
			})
		},
	}
}

// NewInfoCommand creates the info command showing the tile metadata.
func NewInfoCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show AI-engine array metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, globalOpts, func(ctx context.Context, s *session) error {
				md := s.dev.Info().Metadata
				return printResult(cmd.OutOrStdout(), globalOpts, md, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "Array:\t%d cols x %d rows (AIE %s)\n", md.Cols, md.Rows, md.Version)
					fmt.Fprintf(tw, "Address space:\t0x%x\n\n", md.Size)
					fmt.Fprintln(tw, "TILE\tROWS\tSTART\tDMA CHANNELS\tLOCKS\tEVENT REGS")
					fmt.Fprintln(tw, "----\t----\t-----\t------------\t-----\t----------")
					for _, t := range []struct {
						name string
						info api.TileInfo
					}{{"core", md.Core}, {"mem", md.Mem}, {"shim", md.Shim}} {
						fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", t.name, t.info.RowCount, t.info.RowStart,
							t.info.DMAChannelCount, t.info.LockCount, t.info.EventRegCount)
					}
				})
			})
		},
	}
}

package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/device"
	"github.com/tsingmao/xdna/internal/emu"
	"github.com/tsingmao/xdna/internal/protocol"
)

// StatusOptions holds options for the status command
type StatusOptions struct {
	*GlobalOptions

	// Size is the dump buffer size, e.g. "4KiB".
	Size string

	// Out receives the raw dump when set.
	Out string

	// Cols lists column ranges to occupy with contexts before the query.
	Cols []string
}

// ColumnRecord is one decoded column of a status dump.
type ColumnRecord struct {
	Column uint32 `json:"column" yaml:"column" msgpack:"column"`
	State  string `json:"state" yaml:"state" msgpack:"state"`
	Owner  uint32 `json:"owner" yaml:"owner" msgpack:"owner"`
}

// StatusReport is the result of the status command.
type StatusReport struct {
	Bitmap  uint32         `json:"bitmap" yaml:"bitmap" msgpack:"bitmap"`
	Bytes   int            `json:"bytes" yaml:"bytes" msgpack:"bytes"`
	Columns []ColumnRecord `json:"columns" yaml:"columns" msgpack:"columns"`
}

// NewStatusCommand creates the status command.
//
// Usage:
//
//	xdnactl status [--size SIZE] [--out FILE] [--cols START:COUNT]...
func NewStatusCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &StatusOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Dump the status of the columns in use",
		Long: `Query firmware for the status of every column owned by a live context.

Only columns of live contexts are reported. Use --cols to create contexts
first so the dump has something to show.`,
		Example: `  # Status of two contexts
  xdnactl status --cols 0:2 --cols 3:1

  # Save the raw dump
  xdnactl status --cols 0:1 --out status.bin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, globalOpts, func(ctx context.Context, s *session) error {
				return runStatus(ctx, cmd, s, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Size, "size", "4KiB", "dump buffer size")
	cmd.Flags().StringVar(&opts.Out, "out", "", "write the raw dump to this file")
	cmd.Flags().StringSliceVar(&opts.Cols, "cols", nil, "column range START:COUNT to occupy (repeatable)")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, s *session, opts *StatusOptions) error {
	size, err := units.RAMInBytes(opts.Size)
	if err != nil {
		return fmt.Errorf("invalid --size %q: %w", opts.Size, err)
	}
	if size <= 0 || size > 1<<31 {
		return fmt.Errorf("invalid --size %q: out of range", opts.Size)
	}

	for i, arg := range opts.Cols {
		cols, err := parseColumns(arg)
		if err != nil {
			return err
		}
		if _, err := s.dev.CreateContext(ctx, device.ContextOptions{
			Name: fmt.Sprintf("status-%d", i),
			Cols: cols,
		}); err != nil {
			return fmt.Errorf("failed to create context on columns %s: %w", cols, err)
		}
	}

	var dump bytes.Buffer
	bitmap, err := s.dev.QueryStatus(ctx, &dump, uint32(size))
	if err != nil {
		return fmt.Errorf("failed to query column status: %w", err)
	}

	if opts.Out != "" {
		if err := os.WriteFile(opts.Out, dump.Bytes(), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", opts.Out, err)
		}
	}

	report := StatusReport{Bitmap: bitmap, Bytes: dump.Len(), Columns: decodeColumns(dump.Bytes())}
	return printResult(cmd.OutOrStdout(), opts.GlobalOptions, report, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "Bitmap: 0x%x (%s)\n\n", report.Bitmap, units.BytesSize(float64(report.Bytes)))
		fmt.Fprintln(tw, "COLUMN\tSTATE\tOWNER")
		fmt.Fprintln(tw, "------\t-----\t-----")
		for _, c := range report.Columns {
			fmt.Fprintf(tw, "%d\t%s\t%d\n", c.Column, c.State, c.Owner)
		}
	})
}

func decodeColumns(b []byte) []ColumnRecord {
	var recs []ColumnRecord
	for off := 0; off+emu.ColumnStatusSize <= len(b); off += emu.ColumnStatusSize {
		rec := b[off : off+emu.ColumnStatusSize]
		state := "idle"
		if protocol.ByteOrder.Uint32(rec[4:8]) == emu.ColumnActive {
			state = "active"
		}
		recs = append(recs, ColumnRecord{
			Column: protocol.ByteOrder.Uint32(rec[0:4]),
			State:  state,
			Owner:  protocol.ByteOrder.Uint32(rec[8:12]),
		})
	}
	return recs
}

// parseColumns parses "START:COUNT".
func parseColumns(s string) (api.ColumnRange, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return api.ColumnRange{}, fmt.Errorf("invalid column range %q (want START:COUNT)", s)
	}
	start, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return api.ColumnRange{}, fmt.Errorf("invalid column range %q: %w", s, err)
	}
	count, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return api.ColumnRange{}, fmt.Errorf("invalid column range %q: %w", s, err)
	}
	return api.ColumnRange{Start: uint32(start), Count: uint32(count)}, nil
}

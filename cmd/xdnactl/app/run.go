package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/device"
	"github.com/tsingmao/xdna/internal/dma"
	"github.com/tsingmao/xdna/internal/logger"
	"github.com/tsingmao/xdna/internal/mailbox"
	"github.com/tsingmao/xdna/internal/protocol"
)

const (
	syntheticPDISize = 4096
	outBufSize       = 4096
)

// RunOptions holds options for the run command
type RunOptions struct {
	*GlobalOptions

	// Cols is the column range of the context, START:COUNT.
	Cols string

	// PDIs lists image files, one compute unit each.
	PDIs []string

	// CUs is the number of compute units when no PDI file is given.
	CUs int

	// Cmds is the number of commands in the job.
	Cmds int

	// Args is the number of argument words per command.
	Args int

	// Chained packs multi-command jobs into one command list. Unless set
	// explicitly, debug.force_unchained_command decides.
	Chained bool

	// Legacy configures compute units by registered PDI id.
	Legacy bool

	// Sync issues a buffer sync after the job completed.
	Sync bool
}

// RunReport is the result of the run command.
type RunReport struct {
	Context  int32           `json:"context" yaml:"context" msgpack:"context"`
	Columns  api.ColumnRange `json:"columns" yaml:"columns" msgpack:"columns"`
	CUs      int             `json:"cus" yaml:"cus" msgpack:"cus"`
	Commands int             `json:"commands" yaml:"commands" msgpack:"commands"`
	Chained  bool            `json:"chained" yaml:"chained" msgpack:"chained"`
	Executed int             `json:"executed" yaml:"executed" msgpack:"executed"`
	Requests int             `json:"requests" yaml:"requests" msgpack:"requests"`
	Synced   bool            `json:"synced" yaml:"synced" msgpack:"synced"`
	Elapsed  time.Duration   `json:"elapsed" yaml:"elapsed" msgpack:"elapsed"`
}

// NewRunCommand creates the run command.
//
// The run command walks the whole submission path: it creates a context,
// registers the PDIs, configures the compute units, submits one job and
// waits for it, then tears everything down.
//
// Usage:
//
//	xdnactl run [--cols START:COUNT] [--pdi FILE]... [--cmds N] [--chained]
func NewRunCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &RunOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a context and run a job on it",
		Long: `Create a context, register PDI images, configure compute units and
submit a job of start-CU commands.

PDI files may be raw or LZ4-framed. Without --pdi, placeholder images are
generated for --cus compute units. A job of several commands is packed into
one command list unless --chained=false is given, in which case the commands
are sent one by one. Without --chained, debug.force_unchained_command in
the configuration file decides.`,
		Example: `  # Three commands on two columns, chained
  xdnactl run --cols 0:2 --cus 2 --cmds 3

  # Images from disk, legacy configuration, unchained
  xdnactl run --pdi a.pdi --pdi b.pdi.lz4 --legacy --cmds 4 --chained=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, globalOpts, func(ctx context.Context, s *session) error {
				return runJob(ctx, cmd, s, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Cols, "cols", "0:1", "column range START:COUNT")
	cmd.Flags().StringSliceVar(&opts.PDIs, "pdi", nil, "PDI image file, one per compute unit (repeatable)")
	cmd.Flags().IntVar(&opts.CUs, "cus", 1, "number of compute units when no --pdi is given")
	cmd.Flags().IntVar(&opts.Cmds, "cmds", 1, "number of commands in the job")
	cmd.Flags().IntVar(&opts.Args, "args", 4, "argument words per command")
	cmd.Flags().BoolVar(&opts.Chained, "chained", true, "pack multi-command jobs into one command list")
	cmd.Flags().BoolVar(&opts.Legacy, "legacy", false, "configure compute units by registered PDI id")
	cmd.Flags().BoolVar(&opts.Sync, "sync", false, "sync an output buffer after the job")

	return cmd
}

func runJob(ctx context.Context, cmd *cobra.Command, s *session, opts *RunOptions) error {
	cols, err := parseColumns(opts.Cols)
	if err != nil {
		return err
	}
	if opts.Cmds < 1 {
		return fmt.Errorf("--cmds must be at least 1, got %d", opts.Cmds)
	}
	if opts.Args < 0 {
		return fmt.Errorf("--args must not be negative, got %d", opts.Args)
	}

	images, err := loadImages(opts)
	if err != nil {
		return err
	}

	cus, release, err := stageImages(s, images)
	if err != nil {
		return err
	}
	defer release()

	out, err := s.mem.Alloc(outBufSize, dma.FromDevice)
	if err != nil {
		return fmt.Errorf("failed to allocate output buffer: %w", err)
	}
	defer out.Free()

	start := time.Now()
	hwctx, err := s.dev.CreateContext(ctx, device.ContextOptions{
		Name:     "run",
		Cols:     cols,
		CUs:      cus,
		HeapAddr: dma.DefaultIOVABase,
	})
	if err != nil {
		return fmt.Errorf("failed to create context: %w", err)
	}
	defer func() {
		if err := s.dev.DestroyContext(ctx, hwctx); err != nil {
			logger.Warn("destroy context %s: %v", hwctx.Name(), err)
		}
		if err := s.dev.UnregisterPDIs(ctx, hwctx); err != nil {
			logger.Warn("unregister PDIs of %s: %v", hwctx.Name(), err)
		}
	}()

	if err := s.dev.MapHostBuffer(ctx, hwctx.ID(), out.DevAddr(), uint64(out.Size())); err != nil {
		return fmt.Errorf("failed to map output buffer: %w", err)
	}
	if err := s.dev.RegisterPDIs(ctx, hwctx); err != nil {
		return fmt.Errorf("failed to register PDIs: %w", err)
	}
	if opts.Legacy {
		err = s.dev.LegacyConfigCU(ctx, hwctx)
	} else {
		err = s.dev.ConfigCU(ctx, hwctx)
	}
	if err != nil {
		return fmt.Errorf("failed to configure compute units: %w", err)
	}

	job := startCUJob(1, opts.Cmds, len(cus), opts.Args)

	chained := !s.cfg.Debug.ForceUnchainedCommand
	if cmd.Flags().Changed("chained") {
		chained = opts.Chained
	}
	op := protocol.OpExecuteBufferCF
	if opts.Cmds > 1 && chained {
		op = protocol.OpChainExecBufferCF
	}
	sent := s.fw.TotalRequests()
	if err := submitAndWait(ctx, s, func(cb mailbox.NotifyFunc) error {
		switch {
		case opts.Cmds == 1:
			return s.dev.ExecBuf(ctx, hwctx, job, job.Seq, cb)
		case chained:
			return s.dev.CmdList(ctx, hwctx, job, job.Seq, cb)
		default:
			return s.dev.SubmitUnchained(ctx, hwctx, job, job.Seq, cb)
		}
	}, op); err != nil {
		return fmt.Errorf("job failed: %w", err)
	}

	report := RunReport{
		Context:  int32(hwctx.ID()),
		Columns:  cols,
		CUs:      len(cus),
		Commands: opts.Cmds,
		Chained:  op == protocol.OpChainExecBufferCF,
		Executed: s.fw.Executed(uint32(hwctx.ID())),
		Requests: s.fw.TotalRequests() - sent,
	}

	if opts.Sync {
		sync := &api.Job{Bufs: []api.BufferRef{{DevAddr: out.DevAddr(), Size: uint32(out.Size())}}}
		if err := submitAndWait(ctx, s, func(cb mailbox.NotifyFunc) error {
			return s.dev.SyncBO(ctx, hwctx, sync, nil, cb)
		}, protocol.OpSyncBO); err != nil {
			return fmt.Errorf("buffer sync failed: %w", err)
		}
		report.Synced = true
	}
	report.Elapsed = time.Since(start)

	return printResult(cmd.OutOrStdout(), opts.GlobalOptions, report, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "Context:\t%d\n", report.Context)
		fmt.Fprintf(tw, "Columns:\t%s\n", report.Columns)
		fmt.Fprintf(tw, "Compute units:\t%d\n", report.CUs)
		fmt.Fprintf(tw, "Commands:\t%d (chained: %t)\n", report.Commands, report.Chained)
		fmt.Fprintf(tw, "Executed:\t%d (%d request(s))\n", report.Executed, report.Requests)
		fmt.Fprintf(tw, "Synced:\t%t\n", report.Synced)
		fmt.Fprintf(tw, "Elapsed:\t%s\n", report.Elapsed)
	})
}

func loadImages(opts *RunOptions) ([][]byte, error) {
	if len(opts.PDIs) == 0 {
		if opts.CUs < 1 || opts.CUs > protocol.MaxNumCUs {
			return nil, fmt.Errorf("--cus must be between 1 and %d, got %d", protocol.MaxNumCUs, opts.CUs)
		}
		images := make([][]byte, opts.CUs)
		for i := range images {
			images[i] = syntheticPDI(i, syntheticPDISize)
		}
		return images, nil
	}

	images := make([][]byte, 0, len(opts.PDIs))
	for _, path := range opts.PDIs {
		image, err := loadPDI(path)
		if err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, nil
}

// startCUJob builds n start-CU commands spread round robin over cus compute
// units, each with words argument words.
func startCUJob(seq uint64, n, cus, words int) *api.Job {
	job := &api.Job{Seq: seq}
	for i := 0; i < n; i++ {
		args := make([]byte, 4*words)
		for w := 0; w < words; w++ {
			protocol.ByteOrder.PutUint32(args[4*w:], uint32(i<<16|w))
		}
		job.Cmds = append(job.Cmds, api.Command{Op: api.CmdStartCU, CUIndex: i % cus, Args: args})
	}
	return job
}

// stageImages copies each image into a device buffer and returns one compute
// unit per image. The buffers stay resident until release is called since
// ConfigCU refers to them by address.
func stageImages(s *session, images [][]byte) ([]api.CUConfig, func(), error) {
	var bufs []*dma.Buffer
	release := func() {
		for _, buf := range bufs {
			buf.Free()
		}
	}

	cus := make([]api.CUConfig, 0, len(images))
	for i, image := range images {
		buf, err := s.mem.Alloc(len(image), dma.ToDevice)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("failed to stage PDI %d: %w", i, err)
		}
		bufs = append(bufs, buf)
		copy(buf.Bytes(), image)
		if err := buf.Flush(0, len(image)); err != nil {
			release()
			return nil, nil, err
		}
		cus = append(cus, api.CUConfig{Func: uint32(i), PDIAddr: buf.DevAddr(), Image: image})
	}
	return cus, release, nil
}

// submitAndWait submits through send and blocks until the callback ran or
// the receive timeout passed.
func submitAndWait(ctx context.Context, s *session, send func(cb mailbox.NotifyFunc) error, op protocol.Opcode) error {
	done := make(chan error, 1)
	err := send(func(_ interface{}, resp []byte, err error) {
		if err == nil {
			err = device.ResponseError(op, resp)
		}
		done <- err
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-time.After(s.cfg.Mailbox.RxTimeout):
		return fmt.Errorf("no completion after %s: %w", s.cfg.Mailbox.RxTimeout, api.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

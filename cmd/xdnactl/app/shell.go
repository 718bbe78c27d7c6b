package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/device"
	"github.com/tsingmao/xdna/internal/dma"
	"github.com/tsingmao/xdna/internal/logger"
	"github.com/tsingmao/xdna/internal/mailbox"
	"github.com/tsingmao/xdna/internal/protocol"
)

const asyncEventBufSize = 64

const shellHelp = `Commands:
  info                      show versions and array size
  status                    dump the status of occupied columns
  contexts                  list live contexts
  create START:COUNT [CUS]  create a context and configure CUS compute units
  exec ID N                 submit N start-CU commands to context ID
  destroy ID                destroy context ID
  rc get KEY | rc set KEY VALUE
  event TYPE                register an async event buffer and raise TYPE
  suspend | resume | selftest
  help | quit
`

// shellContext is a context created from the shell together with the
// staged PDI buffers it refers to.
type shellContext struct {
	hwctx   *device.HWContext
	cus     int
	release func()
	seq     uint64
}

// shell keeps one device session alive across commands.
type shell struct {
	ctx      context.Context
	s        *session
	out      io.Writer
	contexts map[api.ContextID]*shellContext
}

// NewShellCommand creates the shell command.
//
// The shell keeps a single device session, so contexts created by one
// command are visible to the next.
//
// Usage:
//
//	xdnactl shell
func NewShellCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive session on one device",
		Long: `Start an interactive session on one device.

Unlike the one-shot commands, state persists between lines: contexts created
with 'create' can be fed with 'exec', show up in 'status' and are destroyed
when the shell exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, globalOpts, func(ctx context.Context, s *session) error {
				rl, err := readline.NewEx(&readline.Config{
					Prompt:          "xdna> ",
					HistoryFile:     "",
					InterruptPrompt: "^C",
					EOFPrompt:       "quit",
				})
				if err != nil {
					return fmt.Errorf("failed to initialize readline: %w", err)
				}
				defer rl.Close()

				sh := newShell(ctx, s, rl.Stdout())
				defer sh.close()

				for {
					line, err := rl.Readline()
					if err == readline.ErrInterrupt {
						continue
					}
					if err != nil {
						return nil
					}
					quit, err := sh.exec(line)
					if err != nil {
						fmt.Fprintf(sh.out, "Error: %v\n", err)
					}
					if quit {
						return nil
					}
				}
			})
		},
	}
}

func newShell(ctx context.Context, s *session, out io.Writer) *shell {
	return &shell{ctx: ctx, s: s, out: out, contexts: make(map[api.ContextID]*shellContext)}
}

// close destroys every context created from the shell.
func (sh *shell) close() {
	for id := range sh.contexts {
		sh.destroy(id)
	}
}

// exec runs one shell line and reports whether the shell should exit.
func (sh *shell) exec(line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Fprint(sh.out, shellHelp)
		return false, nil
	case "info":
		info := sh.s.dev.Info()
		fmt.Fprintf(sh.out, "protocol %s, firmware %s, AIE %s, %d cols x %d rows\n",
			info.Protocol, info.Firmware, info.AIE, info.Metadata.Cols, info.Metadata.Rows)
		return false, nil
	case "status":
		return false, sh.status()
	case "contexts":
		sh.list()
		return false, nil
	case "create":
		return false, sh.create(args)
	case "exec":
		return false, sh.submit(args)
	case "destroy":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: destroy ID")
		}
		id, err := sh.contextID(args[0])
		if err != nil {
			return false, err
		}
		sh.destroy(id)
		fmt.Fprintf(sh.out, "context %d destroyed\n", id)
		return false, nil
	case "rc":
		return false, sh.runtimeConfig(args)
	case "event":
		return false, sh.event(args)
	case "suspend":
		return false, sh.s.dev.Suspend(sh.ctx)
	case "resume":
		return false, sh.s.dev.Resume(sh.ctx)
	case "selftest":
		if err := sh.s.dev.SelfTest(sh.ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(sh.out, "self test passed")
		return false, nil
	}
	return false, fmt.Errorf("unknown command %q, try 'help'", cmd)
}

func (sh *shell) status() error {
	var dump bytes.Buffer
	bitmap, err := sh.s.dev.QueryStatus(sh.ctx, &dump, 4096)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "bitmap 0x%x\n", bitmap)
	for _, c := range decodeColumns(dump.Bytes()) {
		fmt.Fprintf(sh.out, "  column %d %s owner %d\n", c.Column, c.State, c.Owner)
	}
	return nil
}

func (sh *shell) list() {
	ids := make([]int, 0, len(sh.contexts))
	for id := range sh.contexts {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	tw := tabwriter.NewWriter(sh.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCOLUMNS\tEXECUTED")
	for _, id := range ids {
		c := sh.contexts[api.ContextID(id)]
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", id, c.hwctx.Name(), c.hwctx.Columns(), sh.s.fw.Executed(uint32(id)))
	}
	tw.Flush()
}

func (sh *shell) create(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: create START:COUNT [CUS]")
	}
	cols, err := parseColumns(args[0])
	if err != nil {
		return err
	}
	n := 1
	if len(args) == 2 {
		if n, err = strconv.Atoi(args[1]); err != nil || n < 1 || n > protocol.MaxNumCUs {
			return fmt.Errorf("invalid compute unit count %q", args[1])
		}
	}

	images := make([][]byte, n)
	for i := range images {
		images[i] = syntheticPDI(i, syntheticPDISize)
	}
	cus, release, err := stageImages(sh.s, images)
	if err != nil {
		return err
	}

	hwctx, err := sh.s.dev.CreateContext(sh.ctx, device.ContextOptions{
		Name: fmt.Sprintf("shell-%d", len(sh.contexts)),
		Cols: cols,
		CUs:  cus,
	})
	if err != nil {
		release()
		return err
	}
	if err := sh.s.dev.ConfigCU(sh.ctx, hwctx); err != nil {
		if derr := sh.s.dev.DestroyContext(sh.ctx, hwctx); derr != nil {
			logger.Warn("destroy context %s: %v", hwctx.Name(), derr)
		}
		release()
		return err
	}

	sh.contexts[hwctx.ID()] = &shellContext{hwctx: hwctx, cus: n, release: release}
	fmt.Fprintf(sh.out, "context %d on columns %s with %d compute unit(s)\n", hwctx.ID(), cols, n)
	return nil
}

func (sh *shell) submit(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: exec ID N")
	}
	id, err := sh.contextID(args[0])
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 1 {
		return fmt.Errorf("invalid command count %q", args[1])
	}

	c := sh.contexts[id]
	c.seq++
	job := startCUJob(c.seq, n, c.cus, 4)
	op := protocol.OpExecuteBufferCF
	if n > 1 && !sh.s.cfg.Debug.ForceUnchainedCommand {
		op = protocol.OpChainExecBufferCF
	}
	if err := submitAndWait(sh.ctx, sh.s, func(cb mailbox.NotifyFunc) error {
		return sh.s.dev.Submit(sh.ctx, c.hwctx, job, c.seq, cb)
	}, op); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "job %d: %d command(s) completed\n", c.seq, n)
	return nil
}

func (sh *shell) destroy(id api.ContextID) {
	c, ok := sh.contexts[id]
	if !ok {
		return
	}
	if err := sh.s.dev.DestroyContext(sh.ctx, c.hwctx); err != nil {
		logger.Warn("destroy context %s: %v", c.hwctx.Name(), err)
	}
	c.release()
	delete(sh.contexts, id)
}

func (sh *shell) contextID(s string) (api.ContextID, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid context id %q", s)
	}
	id := api.ContextID(v)
	if _, ok := sh.contexts[id]; !ok {
		return 0, fmt.Errorf("no context %d", id)
	}
	return id, nil
}

func (sh *shell) runtimeConfig(args []string) error {
	switch {
	case len(args) == 2 && args[0] == "get":
		key, err := parseKey(args[1])
		if err != nil {
			return err
		}
		v, err := sh.s.dev.GetRuntimeConfig(sh.ctx, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%d = 0x%x\n", key, v)
		return nil
	case len(args) == 3 && args[0] == "set":
		key, err := parseKey(args[1])
		if err != nil {
			return err
		}
		v, err := strconv.ParseUint(args[2], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid value %q", args[2])
		}
		return sh.s.dev.SetRuntimeConfig(sh.ctx, key, v)
	}
	return fmt.Errorf("usage: rc get KEY | rc set KEY VALUE")
}

// event registers an async event buffer, has the emulated firmware raise an
// event of the given type and prints what was delivered.
func (sh *shell) event(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: event TYPE")
	}
	typ, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid event type %q", args[0])
	}

	buf, err := sh.s.mem.Alloc(asyncEventBufSize, dma.FromDevice)
	if err != nil {
		return err
	}
	defer buf.Free()

	err = submitAndWait(sh.ctx, sh.s, func(cb mailbox.NotifyFunc) error {
		if err := sh.s.dev.RegisterAsyncEvent(sh.ctx, buf, nil, cb); err != nil {
			return err
		}
		// The registration is not waited for; raise once firmware has it.
		deadline := time.Now().Add(sh.s.cfg.Mailbox.RxTimeout)
		for sh.s.fw.RaiseAsyncEvent(uint32(typ)) == 0 {
			if time.Now().After(deadline) {
				return fmt.Errorf("firmware has no async event sink")
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	}, protocol.OpRegisterAsyncEvent)
	if err != nil {
		return err
	}

	ev, err := device.ParseAsyncEvent(buf.Bytes())
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "event type %d status %s\n", ev.Type, ev.Status)
	return nil
}

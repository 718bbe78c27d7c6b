package device

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
	"github.com/tsingmao/xdna/internal/logger"
	"github.com/tsingmao/xdna/internal/mailbox"
	"github.com/tsingmao/xdna/internal/protocol"
)

// Submission is asynchronous: each call returns once the request is on the
// context channel, and cb runs with handle when firmware answers or the
// channel goes away. The response passed to cb is raw; ResponseError
// interprets it.

// ExecBuf submits the first command of job on its own.
func (d *Device) ExecBuf(ctx context.Context, hwctx *HWContext, job *api.Job, handle interface{}, cb mailbox.NotifyFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chann := hwctx.channel()
	if chann == nil {
		return errors.Wrapf(api.ErrNoChannel, "exec on context %s", hwctx.name)
	}
	if len(job.Cmds) == 0 {
		return errors.Wrap(api.ErrInvalidArgument, "job has no command")
	}

	op, req, err := execRequest(job.Cmds[0])
	if err != nil {
		return err
	}
	return sendExec(hwctx, chann, op, req, handle, cb)
}

// execRequest builds the single-command request for cmd.
func execRequest(cmd api.Command) (protocol.Opcode, interface{}, error) {
	if cmd.CUIndex < 0 {
		logger.Debug("invalid cu idx %d", cmd.CUIndex)
		return 0, nil, errors.Wrapf(api.ErrInvalidArgument, "cu index %d", cmd.CUIndex)
	}

	switch cmd.Op {
	case api.CmdStartCU:
		r := &protocol.ExecBufReq{CUIdx: uint32(cmd.CUIndex)}
		copyInline(r.Payload[:], cmd.Args, "ebuf")
		return protocol.OpExecuteBufferCF, r, nil
	case api.CmdStartDPU:
		if cmd.DPU == nil {
			return 0, nil, errors.Wrap(api.ErrInvalidArgument, "dpu command without instruction buffer")
		}
		if cmd.DPU.Chained != 0 {
			logger.Debug("chained %s is not supported", cmd.Op)
			return 0, nil, errors.Wrapf(api.ErrUnsupported, "chained %s", cmd.Op)
		}
		r := &protocol.ExecDPUReq{
			InstBufAddr: cmd.DPU.InstAddr,
			InstSize:    cmd.DPU.InstSize,
			CUIdx:       uint32(cmd.CUIndex),
		}
		copyInline(r.Payload[:], cmd.Args, "dpu")
		return protocol.OpExecDPU, r, nil
	default:
		logger.Debug("invalid command op %s", cmd.Op)
		return 0, nil, errors.Wrapf(api.ErrInvalidArgument, "command op %s", cmd.Op)
	}
}

func sendExec(hwctx *HWContext, chann mailbox.Channel, op protocol.Opcode, req interface{}, handle interface{}, cb mailbox.NotifyFunc) error {
	msg, err := mailbox.NewMessage(op, req)
	if err != nil {
		return err
	}
	msg.Handle, msg.Notify = handle, cb
	if _, err := chann.Send(msg); err != nil {
		logger.Error("send %s on context %s: %v", op, hwctx.name, err)
		return err
	}
	return nil
}

// copyInline fills the fixed inline payload. Longer argument lists are
// truncated.
func copyInline(dst, args []byte, kind string) {
	if len(args) > len(dst) {
		logger.Warn("invalid %s payload len: %d, truncated to %d", kind, len(args), len(dst))
	}
	copy(dst, args)
}

// CmdList packs every command of job into one of the context's command
// buffers, chosen by job sequence number, and submits it as a single chained
// execute request. Nothing is sent when packing fails.
//
// The context read lock is held from buffer lookup to send, so a concurrent
// DestroyContext waits for the packer and later calls fail with
// api.ErrNoChannel.
func (d *Device) CmdList(ctx context.Context, hwctx *HWContext, job *api.Job, handle interface{}, cb mailbox.NotifyFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(job.Cmds) == 0 {
		return errors.Wrap(api.ErrInvalidArgument, "job has no command")
	}

	slots, err := buildSlots(job.Cmds)
	if err != nil {
		logger.Error("failed to handle cmd op %s: %v", job.Cmds[0].Op, err)
		return err
	}

	hwctx.mu.RLock()
	defer hwctx.mu.RUnlock()
	chann := hwctx.chann
	if chann == nil || len(hwctx.cmdBufs) == 0 {
		return errors.Wrapf(api.ErrNoChannel, "command list on context %s", hwctx.name)
	}

	buf := hwctx.cmdBufs[job.Seq%uint64(len(hwctx.cmdBufs))]
	size, err := protocol.PackSlots(buf.Bytes(), slots)
	if err != nil {
		return err
	}
	if err := buf.Flush(0, int(size)); err != nil {
		return err
	}

	req := protocol.ChainExecReq{
		BufAddr: buf.DevAddr(),
		BufSize: size,
		Count:   uint32(len(slots)),
	}
	logger.Debug("command buf addr 0x%x size 0x%x count %d", req.BufAddr, req.BufSize, req.Count)

	msg, err := mailbox.NewMessage(protocol.OpChainExecBufferCF, &req)
	if err != nil {
		return err
	}
	msg.Handle, msg.Notify = handle, cb
	if _, err := chann.Send(msg); err != nil {
		logger.Error("send command list on context %s: %v", hwctx.name, err)
		return err
	}
	return nil
}

// buildSlots converts commands to slots of the layout of the first command.
func buildSlots(cmds []api.Command) ([]protocol.Slot, error) {
	op := cmds[0].Op
	slots := make([]protocol.Slot, 0, len(cmds))
	for i, cmd := range cmds {
		if cmd.Op != op {
			return nil, errors.Wrapf(api.ErrUnsupported, "command %d is %s in a %s list", i, cmd.Op, op)
		}
		if cmd.CUIndex < 0 {
			return nil, errors.Wrapf(api.ErrInvalidArgument, "command %d cu index %d", i, cmd.CUIndex)
		}
		if len(cmd.Args)%4 != 0 {
			return nil, errors.Wrapf(api.ErrInvalidArgument, "command %d args of %d bytes not word sized", i, len(cmd.Args))
		}

		switch op {
		case api.CmdStartCU:
			slots = append(slots, protocol.CUSlot{CUIndex: uint32(cmd.CUIndex), Args: cmd.Args})
		case api.CmdStartDPU:
			if cmd.DPU == nil {
				return nil, errors.Wrapf(api.ErrInvalidArgument, "command %d has no instruction buffer", i)
			}
			if cmd.DPU.Chained != 0 {
				return nil, errors.Wrapf(api.ErrUnsupported, "command %d: chained %s", i, op)
			}
			slots = append(slots, protocol.DPUSlot{
				InstAddr: cmd.DPU.InstAddr,
				InstSize: cmd.DPU.InstSize,
				CUIndex:  uint32(cmd.CUIndex),
				Args:     cmd.Args,
			})
		default:
			return nil, errors.Wrapf(api.ErrUnsupported, "command op %s in a command list", op)
		}
	}
	return slots, nil
}

// SyncBO asks firmware to copy the first buffer of job from device memory
// back to host memory.
func (d *Device) SyncBO(ctx context.Context, hwctx *HWContext, job *api.Job, handle interface{}, cb mailbox.NotifyFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chann := hwctx.channel()
	if chann == nil {
		return errors.Wrapf(api.ErrNoChannel, "sync on context %s", hwctx.name)
	}
	if len(job.Bufs) == 0 {
		return errors.Wrap(api.ErrInvalidArgument, "sync job has no buffer")
	}
	bo := job.Bufs[0]
	if bo.DevAddr < hwctx.heapAddr {
		return errors.Wrapf(api.ErrInvalidArgument, "buffer 0x%x below heap 0x%x", bo.DevAddr, hwctx.heapAddr)
	}

	req := protocol.SyncBOReq{
		SrcAddr: 0,
		DstAddr: bo.DevAddr - hwctx.heapAddr,
		Size:    bo.Size,
		SrcType: protocol.SyncDevMem,
		DstType: protocol.SyncHostMem,
	}
	logger.Debug("sync %d bytes src(0x%x) to dst(0x%x)", req.Size, req.SrcAddr, req.DstAddr)

	msg, err := mailbox.NewMessage(protocol.OpSyncBO, &req)
	if err != nil {
		return err
	}
	msg.Handle, msg.Notify = handle, cb
	if _, err := chann.Send(msg); err != nil {
		logger.Error("send sync on context %s: %v", hwctx.name, err)
		return err
	}
	return nil
}

// Submit runs job: a single command goes through ExecBuf, several through
// CmdList. With debug.force_unchained_command set, multi-command jobs go
// through SubmitUnchained instead.
func (d *Device) Submit(ctx context.Context, hwctx *HWContext, job *api.Job, handle interface{}, cb mailbox.NotifyFunc) error {
	if len(job.Cmds) <= 1 {
		return d.ExecBuf(ctx, hwctx, job, handle, cb)
	}
	if d.cfg.Debug.ForceUnchainedCommand {
		return d.SubmitUnchained(ctx, hwctx, job, handle, cb)
	}
	return d.CmdList(ctx, hwctx, job, handle, cb)
}

// SubmitUnchained sends the commands of job one by one; cb runs once after
// all of them completed, with the first error.
//
// Every command is checked before the first one is sent. Once at least one
// command is in flight, later send failures are reported through cb, not as
// a return value.
func (d *Device) SubmitUnchained(ctx context.Context, hwctx *HWContext, job *api.Job, handle interface{}, cb mailbox.NotifyFunc) error {
	if len(job.Cmds) == 0 {
		return errors.Wrap(api.ErrInvalidArgument, "job has no command")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	type execReq struct {
		op  protocol.Opcode
		req interface{}
	}
	reqs := make([]execReq, len(job.Cmds))
	for i, cmd := range job.Cmds {
		op, req, err := execRequest(cmd)
		if err != nil {
			return errors.Wrapf(err, "command %d", i)
		}
		reqs[i] = execReq{op, req}
	}
	chann := hwctx.channel()
	if chann == nil {
		return errors.Wrapf(api.ErrNoChannel, "exec on context %s", hwctx.name)
	}

	agg := newAggregate(len(reqs), handle, cb)
	for i, r := range reqs {
		if err := sendExec(hwctx, chann, r.op, r.req, i, agg.notify); err != nil {
			if i == 0 {
				return err
			}
			agg.abort(i, err)
			return nil
		}
	}
	return nil
}

// aggregate folds the completions of an unchained job into one callback.
// Each command counts once even when a failed send both resolves its future
// and is aborted.
type aggregate struct {
	mu        sync.Mutex
	pending   []bool
	remaining int
	resp      []byte
	err       error

	handle interface{}
	cb     mailbox.NotifyFunc
}

func newAggregate(n int, handle interface{}, cb mailbox.NotifyFunc) *aggregate {
	pending := make([]bool, n)
	for i := range pending {
		pending[i] = true
	}
	return &aggregate{pending: pending, remaining: n, handle: handle, cb: cb}
}

// notify receives the completion of the command whose index is the handle.
func (a *aggregate) notify(handle interface{}, resp []byte, err error) {
	if err == nil {
		err = ResponseError(protocol.OpExecuteBufferCF, resp)
	}
	i := handle.(int)
	a.done(i, i+1, resp, err)
}

// abort completes commands from on with err.
func (a *aggregate) abort(from int, err error) {
	a.done(from, len(a.pending), nil, err)
}

func (a *aggregate) done(from, to int, resp []byte, err error) {
	a.mu.Lock()
	n := 0
	for i := from; i < to; i++ {
		if a.pending[i] {
			a.pending[i] = false
			n++
		}
	}
	if n == 0 {
		a.mu.Unlock()
		return
	}
	if a.err == nil {
		a.resp = resp
		if err != nil {
			a.err = err
		}
	}
	a.remaining -= n
	last := a.remaining == 0
	resp, err = a.resp, a.err
	a.mu.Unlock()

	if last && a.cb != nil {
		a.cb(a.handle, resp, err)
	}
}

// ResponseError interprets a raw response handed to a submission callback.
func ResponseError(op protocol.Opcode, resp []byte) error {
	return checkResponse(op, resp, nil)
}

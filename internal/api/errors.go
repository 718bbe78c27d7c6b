package api

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error taxonomy of the protocol core. Callers match with errors.Is; the
// core wraps these with operation context.
var (
	// ErrNoChannel is returned when an operation needs a mailbox channel that
	// does not exist, was never created or has been torn down.
	ErrNoChannel = errors.New("no mailbox channel")

	// ErrTimeout is returned when firmware did not answer in time. The channel
	// the request was sent on has been stopped and destroyed.
	ErrTimeout = errors.New("firmware response timeout")

	// ErrCommandRejected matches every *CommandRejectedError.
	ErrCommandRejected = errors.New("command rejected by firmware")

	// ErrInvalidArgument is returned for inconsistent caller input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTooManyUnits is returned when a context configures more compute units
	// than firmware supports.
	ErrTooManyUnits = errors.Wrap(ErrInvalidArgument, "too many compute units")

	// ErrIncompatibleProtocol is returned when the firmware protocol version
	// cannot be driven by this host.
	ErrIncompatibleProtocol = errors.Wrap(ErrInvalidArgument, "incompatible firmware protocol")

	// ErrNoSpace is returned when a command list does not fit its buffer.
	ErrNoSpace = errors.New("no space in command buffer")

	// ErrUnsupported is returned for command shapes firmware cannot run.
	ErrUnsupported = errors.New("operation not supported")

	// ErrIOFault is returned when copying results to the caller fails.
	ErrIOFault = errors.New("i/o fault")

	// ErrResourceExhausted is returned when a bounded pool has no free entry.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// CommandRejectedError reports a response whose status is not success.
type CommandRejectedError struct {
	// Op is the symbolic opcode name.
	Op string

	Opcode uint32
	Status uint32
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("command %s (opcode 0x%x) failed, status 0x%x", e.Op, e.Opcode, e.Status)
}

// Is makes errors.Is(err, ErrCommandRejected) match.
func (e *CommandRejectedError) Is(target error) bool {
	return target == ErrCommandRejected
}

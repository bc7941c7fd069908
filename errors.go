package xmbus

import (
	"errors"
	"fmt"
)

var (
	ErrBusClosed     = errors.New("xmbus: bus is closed")
	ErrBusNotStarted = errors.New("xmbus: bus not started")
	ErrBusStarted    = errors.New("xmbus: bus already started")

	// ErrTimeout resolves a pending operation whose deadline passed before the
	// expected number of responses arrived.
	ErrTimeout  = errors.New("xmbus: operation timed out")
	ErrCanceled = errors.New("xmbus: operation canceled")

	// ErrNoConnections is reported when a message must be forwarded globally
	// but no healthy connection is available.
	ErrNoConnections = errors.New("xmbus: no connections available for global forwarding")

	// ErrNoResponse may be returned by a Receiver to skip replying to a request.
	ErrNoResponse = errors.New("xmbus: no response")

	ErrHandlerPanic                = errors.New("xmbus: receiver panic")
	ErrInvalidArgument             = errors.New("xmbus: invalid argument")
	ErrObserverPoolShutdownTimeout = errors.New("xmbus: observer pool shutdown timeout")
	ErrDispatcherClosed            = errors.New("xmbus: dispatcher closed")
)

// ArgumentError reports a nil or invalid argument passed to a public operation.
type ArgumentError struct {
	Op  string
	Arg string
	Msg string
}

func (e *ArgumentError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("xmbus: %s: argument %q must not be nil", e.Op, e.Arg)
	}
	return fmt.Sprintf("xmbus: %s: argument %q %s", e.Op, e.Arg, e.Msg)
}

func (e *ArgumentError) Is(target error) bool { return target == ErrInvalidArgument }

func nilArg(op, arg string) error { return &ArgumentError{Op: op, Arg: arg} }

// SerializationError wraps a codec failure raised while converting a Message.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("xmbus: %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// RemoteError is a receiver failure carried back to the sender inside a response.
type RemoteError struct {
	Type    string
	Message string
	Address string
}

func (e *RemoteError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("xmbus: remote receiver failed at %q: %s", e.Address, e.Message)
	}
	return fmt.Sprintf("xmbus: remote receiver failed at %q: %s: %s", e.Address, e.Type, e.Message)
}

type ErrUnknownConnection struct{ name string }

func (e ErrUnknownConnection) Error() string { return fmt.Sprintf("unknown connection: %s", e.name) }

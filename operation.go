package xmbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// OperationState is the lifecycle of one send operation:
// New → Sending → Waiting → Completed | TimedOut | Failed.
type OperationState int32

const (
	StateNew OperationState = iota
	StateSending
	StateWaiting
	StateCompleted
	StateTimedOut
	StateFailed
)

func (s OperationState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSending:
		return "sending"
	case StateWaiting:
		return "waiting"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s OperationState) Terminal() bool { return s >= StateCompleted }

// SendOperation is the caller's intent for one send.
type SendOperation struct {
	Address string
	Payload any
	// ToGlobal forwards the message through connections in addition to local receivers.
	ToGlobal bool
	// ExpectedResponses is how many responses complete the operation; 0 completes it
	// as soon as the message has been routed.
	ExpectedResponses int
	// Timeout bounds the wait for responses; zero selects the bus default.
	Timeout time.Duration
}

// SendOption tweaks a SendOperation built by Publish and Request.
type SendOption func(*SendOperation)

// Global forwards the message through connections.
func Global() SendOption {
	return func(op *SendOperation) { op.ToGlobal = true }
}

func WithTimeout(d time.Duration) SendOption {
	return func(op *SendOperation) { op.Timeout = d }
}

// Expect sets the number of responses that complete a request.
func Expect(n int) SendOption {
	return func(op *SendOperation) { op.ExpectedResponses = n }
}

// Result is the terminal outcome of an operation.
type Result struct {
	State     OperationState
	Request   *Message
	Responses []*Message
	// Results holds the payloads of successful responses in arrival order.
	Results []any
	Err     error
}

// First returns the first successful response payload, or nil.
func (r *Result) First() any {
	if r == nil || len(r.Results) == 0 {
		return nil
	}
	return r.Results[0]
}

// operation is the bus-side bookkeeping of a SendOperation. request is set before
// the operation is published and never reassigned. responses, results and err are
// guarded by the owning bus's pendingMu while the operation is pending.
type operation struct {
	id       uuid.UUID
	op       SendOperation
	deadline time.Time
	request  *Message

	state     atomic.Int32
	responses []*Message
	results   []any
	err       error

	once   sync.Once
	done   chan struct{}
	result *Result
}

func newOperation(op SendOperation, deadline time.Time) *operation {
	return &operation{
		id:       uuid.New(),
		op:       op,
		deadline: deadline,
		done:     make(chan struct{}),
	}
}

func (o *operation) State() OperationState { return OperationState(o.state.Load()) }

// advance moves a non-terminal operation to s.
func (o *operation) advance(s OperationState) {
	for {
		cur := o.state.Load()
		if OperationState(cur).Terminal() {
			return
		}
		if o.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// finish resolves the operation exactly once and reports whether this call did it.
func (o *operation) finish(s OperationState, err error) bool {
	finished := false
	o.once.Do(func() {
		o.state.Store(int32(s))
		o.result = &Result{
			State:     s,
			Request:   o.request,
			Responses: append([]*Message(nil), o.responses...),
			Results:   append([]any(nil), o.results...),
			Err:       err,
		}
		close(o.done)
		finished = true
	})
	return finished
}

// Pending is the caller's handle on a submitted operation.
type Pending struct {
	op *operation
}

// ID is the id of the request message, which responses carry in ResponseTo.
func (p *Pending) ID() uuid.UUID { return p.op.id }

func (p *Pending) State() OperationState { return p.op.State() }

// Done is closed once the operation reaches a terminal state.
func (p *Pending) Done() <-chan struct{} { return p.op.done }

// Wait blocks until the operation resolves or ctx is done. The error is the
// operation's error (ErrTimeout, a *RemoteError, ...) or ctx.Err(). Giving up on
// ctx does not cancel the operation; see Bus.Cancel.
func (p *Pending) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-p.op.done:
		return p.op.result, p.op.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking; ok is false while still pending.
func (p *Pending) Result() (res *Result, ok bool) {
	select {
	case <-p.op.done:
		return p.op.result, true
	default:
		return nil, false
	}
}

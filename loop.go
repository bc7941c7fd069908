package xmbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// run is the processing goroutine. Each cycle drains the outbox, routes inbound
// messages from connections and expires overdue operations.
func (b *Bus) run(ctx context.Context) {
	defer close(b.loopDone)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	var inbound []Inbound
	for {
		inbound = b.cycle(inbound[:0])
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.wake:
		}
	}
}

func (b *Bus) cycle(inbound []Inbound) []Inbound {
	ops, responses := b.takeOutbox()
	for _, o := range ops {
		b.guard(func() { b.startOperation(o) })
	}
	for _, resp := range responses {
		b.guard(func() { b.routeOutbound(resp) })
	}

	inbound = b.manager.DequeueMessages(inbound)
	for _, in := range inbound {
		b.guard(func() { b.handleInbound(in) })
	}
	clear(inbound)

	b.guard(func() { b.sweep(b.clock.Now()) })
	return inbound
}

// guard keeps a panicking router or connection hook from stopping the loop.
func (b *Bus) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("xmbus: processing panic: %v", r)
			b.metrics.errors.Add(1)
			b.logger.Error().Err(err).Msg("xmbus: processing step failed")
			b.notifyAsync(Event{Type: EventError, Err: err})
		}
	}()
	fn()
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) takeOutbox() ([]*operation, []*Message) {
	b.submitMu.Lock()
	defer b.submitMu.Unlock()
	ops, responses := b.outbox, b.responses
	b.outbox, b.responses = nil, nil
	return ops, responses
}

func (b *Bus) queueResponse(msg *Message) {
	b.submitMu.Lock()
	b.responses = append(b.responses, msg)
	b.submitMu.Unlock()
	b.signal()
}

// startOperation routes the request message of an operation.
func (b *Bus) startOperation(o *operation) {
	if o.State().Terminal() {
		return
	}
	msg := o.request
	o.advance(StateSending)

	b.router.ReceivedFromLocal(msg)

	if b.router.ForwardToGlobal(msg) {
		if err := b.forward(msg); err != nil && errors.Is(err, ErrNoConnections) {
			if taken := b.takePending(o.id); taken != nil {
				b.resolve(taken, StateFailed, err)
			}
		}
	}
	if b.router.ForwardToLocal(msg) {
		b.deliverLocal(msg)
	}

	if o.op.ExpectedResponses == 0 {
		if taken := b.takePending(o.id); taken != nil {
			b.resolve(taken, StateCompleted, nil)
		}
		return
	}
	o.advance(StateWaiting)
}

// forward hands msg to every connection the router allows. It returns
// ErrNoConnections, wrapping the send failures if any, when nothing took the message.
func (b *Bus) forward(msg *Message) error {
	sent, err := b.manager.BroadcastIf(msg, func(c Connection) bool {
		return b.router.ShouldSend(msg, c)
	})
	if sent > 0 {
		b.metrics.forwarded.Add(1)
		b.notifyAsync(Event{Type: EventForward, Address: msg.Address, MessageID: msg.ID.String(), Count: sent, Err: err})
		if err != nil {
			b.metrics.errors.Add(1)
		}
		return err
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrNoConnections, err)
	} else {
		err = ErrNoConnections
	}
	b.metrics.errors.Add(1)
	b.logger.Warn().Err(err).Str("address", msg.Address).Msg("xmbus: global forward failed")
	b.notifyAsync(Event{Type: EventError, Address: msg.Address, MessageID: msg.ID.String(), Err: err})
	return err
}

// routeOutbound routes a response produced by a local receiver: back through the
// connections when the request came from remote, otherwise to the local table.
func (b *Bus) routeOutbound(resp *Message) {
	b.router.ReceivedFromLocal(resp)
	if b.router.ForwardToGlobal(resp) {
		_ = b.forward(resp)
		return
	}
	if resp.IsResponse() {
		b.correlate(resp)
		return
	}
	if b.router.ForwardToLocal(resp) {
		b.deliverLocal(resp)
	}
}

func (b *Bus) handleInbound(in Inbound) {
	msg := in.Message.clone()
	msg.FromGlobal = true
	b.metrics.received.Add(1)

	connName := ""
	if in.Conn != nil {
		connName = in.Conn.Name()
	}
	if msg.Expired(b.clock.Now()) {
		b.drop(msg, connName, "expired")
		return
	}

	b.router.ReceivedFromRemote(msg, in.Conn)
	b.notifyAsync(Event{Type: EventReceive, Address: msg.Address, MessageID: msg.ID.String(), Connection: connName})

	if msg.IsResponse() {
		b.correlate(msg)
		return
	}
	if b.router.ForwardToGlobal(msg) {
		_ = b.forward(msg)
	}
	if b.router.ForwardToLocal(msg) {
		b.deliverLocal(msg)
	}
}

// correlate appends a response to its pending operation and resolves the operation
// once the expected count is met. Responses for unknown ids are dropped.
func (b *Bus) correlate(resp *Message) {
	id := *resp.ResponseTo

	b.pendingMu.Lock()
	o, ok := b.pending[id]
	if !ok {
		b.pendingMu.Unlock()
		b.drop(resp, "", "unmatched response")
		return
	}
	o.responses = append(o.responses, resp)
	if resp.Fault == nil {
		o.results = append(o.results, resp.Payload)
	} else if o.err == nil {
		o.err = resp.Err()
	}
	done := len(o.responses) >= o.op.ExpectedResponses
	if done {
		delete(b.pending, id)
	}
	err := o.err
	b.pendingMu.Unlock()

	b.metrics.responses.Add(1)
	b.notifyAsync(Event{Type: EventResponse, Address: resp.Address, MessageID: resp.ID.String(), OperationID: id.String()})

	if !done {
		return
	}
	if err != nil {
		b.resolve(o, StateFailed, err)
		return
	}
	b.resolve(o, StateCompleted, nil)
}

// sweep times out every operation whose deadline has passed.
func (b *Bus) sweep(now time.Time) {
	b.pendingMu.Lock()
	var expired []*operation
	for id, o := range b.pending {
		if !o.deadline.IsZero() && !now.Before(o.deadline) {
			delete(b.pending, id)
			expired = append(expired, o)
		}
	}
	b.pendingMu.Unlock()

	for _, o := range expired {
		b.resolve(o, StateTimedOut, ErrTimeout)
	}
}

// takePending removes and returns the operation, or nil when it already left the table.
func (b *Bus) takePending(id uuid.UUID) *operation {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	o, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return o
}

// resolve finishes an operation that has been removed from the pending table.
func (b *Bus) resolve(o *operation, s OperationState, err error) bool {
	if !o.finish(s, err) {
		return false
	}
	switch s {
	case StateCompleted:
		b.metrics.completed.Add(1)
	case StateTimedOut:
		b.metrics.timedOut.Add(1)
	default:
		b.metrics.failed.Add(1)
	}
	typ := EventComplete
	if s == StateTimedOut {
		typ = EventTimeout
	}
	b.notifyAsync(Event{Type: typ, Address: o.op.Address, OperationID: o.id.String(), State: s, Err: err})
	return true
}

func (b *Bus) drop(msg *Message, conn, reason string) {
	b.metrics.dropped.Add(1)
	b.notifyAsync(Event{
		Type:       EventDrop,
		Address:    msg.Address,
		MessageID:  msg.ID.String(),
		Connection: conn,
		Err:        errors.New(reason),
	})
}

// deliverLocal dispatches msg to every registration the router accepts.
func (b *Bus) deliverLocal(msg *Message) {
	matched := 0
	for _, reg := range b.snapshotRegistrations() {
		if !b.router.ShouldReceive(msg, reg) {
			continue
		}
		matched++
		if err := b.dispatcher.Dispatch(func() { b.invoke(reg, msg) }); err != nil {
			b.metrics.errors.Add(1)
			b.logger.Warn().Err(err).Str("address", msg.Address).Msg("xmbus: dispatch failed")
			if msg.WantsResponse {
				b.queueResponse(newResponse(msg, nil, err, b.clock.Now()))
			}
		}
	}
	if matched == 0 && !msg.FromGlobal && !msg.ToGlobal {
		b.drop(msg, "", "no receivers")
		return
	}
	b.notifyAsync(Event{Type: EventDeliver, Address: msg.Address, MessageID: msg.ID.String(), Count: matched})
}

// invoke runs one receiver on the dispatcher's goroutine and queues its response.
func (b *Bus) invoke(reg *Registration, msg *Message) {
	ctx := injectMessage(b.handlerCtx, msg)
	if !msg.ExpiresAt.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, msg.ExpiresAt)
		defer cancel()
	}

	start := b.clock.Now()
	out, err := reg.handler(ctx, msg)
	b.recordProcessingTime(b.clock.Since(start).Nanoseconds())
	b.metrics.delivered.Add(1)

	if errors.Is(err, ErrNoResponse) {
		return
	}
	if err != nil {
		b.metrics.errors.Add(1)
		b.notifyAsync(Event{Type: EventError, Address: msg.Address, MessageID: msg.ID.String(), Err: err})
		if !msg.WantsResponse {
			b.logger.Warn().Err(err).Str("address", msg.Address).Msg("xmbus: receiver failed")
			return
		}
	}
	if msg.WantsResponse {
		b.queueResponse(newResponse(msg, out, err, b.clock.Now()))
	}
}

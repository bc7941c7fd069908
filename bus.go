package xmbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)

// Bus routes messages between local receivers and remote peers reached through
// connections. One processing goroutine owns routing and correlation; Submit,
// Register and friends are safe for concurrent use.
type Bus struct {
	router         Router
	serializer     Serializer
	types          *PayloadTypes
	dispatcher     Dispatcher
	manager        *ConnectionManager
	connections    []Connection
	clock          xclock.Clock
	logger         *xlog.Logger
	middlewares    []Middleware
	pollInterval   time.Duration
	defaultTimeout time.Duration

	observerPool *ObserverPool

	submitMu  sync.Mutex
	outbox    []*operation
	responses []*Message
	wake      chan struct{}

	pendingMu sync.Mutex
	pending   map[uuid.UUID]*operation

	regMu         sync.RWMutex
	registrations []*Registration
	regSeq        atomic.Uint64

	// lifeMu serializes Start and Close
	lifeMu     sync.Mutex
	handlerCtx context.Context
	stop       context.CancelFunc
	loopDone   chan struct{}
	started    atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
	metrics    *busMetrics
}

// busMetrics uses lock-free atomics for telemetry.
type busMetrics struct {
	submitted    atomic.Uint64
	forwarded    atomic.Uint64
	received     atomic.Uint64
	delivered    atomic.Uint64
	responses    atomic.Uint64
	completed    atomic.Uint64
	timedOut     atomic.Uint64
	failed       atomic.Uint64
	dropped      atomic.Uint64
	errors       atomic.Uint64
	processingNs atomic.Int64
}

// Router returns the routing policy in use.
func (b *Bus) Router() Router { return b.router }

func (b *Bus) Serializer() Serializer { return b.serializer }

// Connections returns a snapshot of the connections that initialized successfully.
func (b *Bus) Connections() []Connection { return b.manager.Connections() }

// Start initializes the router and every connection, then starts the processing loop.
// A connection that fails to initialize is logged and left out; a router failure
// aborts the start.
func (b *Bus) Start(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	if b.closed.Load() {
		return ErrBusClosed
	}
	if !b.started.CompareAndSwap(false, true) {
		return ErrBusStarted
	}

	dc := &DependencyContext{
		Serializer:  b.serializer,
		Types:       b.types,
		Logger:      b.logger,
		Clock:       b.clock,
		Connections: b.connections,
	}
	if err := b.router.Initialize(ctx, dc); err != nil {
		b.started.Store(false)
		return fmt.Errorf("xmbus: router initialize: %w", err)
	}
	if err := b.manager.Initialize(ctx, dc); err != nil {
		b.metrics.errors.Add(1)
		b.logger.Warn().Err(err).Msg("xmbus: some connections failed to initialize")
		b.notifyAsync(Event{Type: EventError, Err: err})
	}

	loopCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	b.stop = stop
	b.handlerCtx = InjectAll(loopCtx, b)
	b.loopDone = make(chan struct{})
	go b.run(loopCtx)

	b.logger.Info().
		Str("connections", fmt.Sprint(b.manager.Len())).
		Str("poll_interval", b.pollInterval.String()).
		Msg("xmbus: bus started")
	return nil
}

// Submit queues op for the processing loop and returns its handle.
func (b *Bus) Submit(op SendOperation) (*Pending, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if !b.started.Load() {
		return nil, ErrBusNotStarted
	}
	if op.ExpectedResponses < 0 {
		return nil, &ArgumentError{Op: "Submit", Arg: "ExpectedResponses", Msg: "must not be negative"}
	}
	if op.Timeout <= 0 {
		op.Timeout = b.defaultTimeout
	}

	now := b.clock.Now()
	o := newOperation(op, now.Add(op.Timeout))
	// the request is complete before the operation becomes visible to the loop or Cancel
	o.request = &Message{
		ID:            o.id,
		Address:       op.Address,
		Payload:       op.Payload,
		PayloadType:   PayloadTypeName(op.Payload),
		ToGlobal:      op.ToGlobal,
		WantsResponse: op.ExpectedResponses > 0,
		ProducedAt:    now,
		ExpiresAt:     o.deadline,
	}

	b.pendingMu.Lock()
	if b.closed.Load() {
		b.pendingMu.Unlock()
		return nil, ErrBusClosed
	}
	b.pending[o.id] = o
	b.pendingMu.Unlock()

	b.submitMu.Lock()
	b.outbox = append(b.outbox, o)
	b.submitMu.Unlock()

	b.metrics.submitted.Add(1)
	b.notifyAsync(Event{Type: EventSubmit, Address: op.Address, OperationID: o.id.String(), State: StateNew})
	b.signal()
	return &Pending{op: o}, nil
}

func buildOperation(address string, payload any, expected int, opts []SendOption) SendOperation {
	op := SendOperation{Address: address, Payload: payload, ExpectedResponses: expected}
	for _, opt := range opts {
		if opt != nil {
			opt(&op)
		}
	}
	return op
}

// Publish sends a message nobody answers and waits until the loop has routed it.
// The error reports routing failures such as ErrNoConnections.
func (b *Bus) Publish(ctx context.Context, address string, payload any, opts ...SendOption) error {
	p, err := b.Submit(buildOperation(address, payload, 0, opts))
	if err != nil {
		return err
	}
	_, err = p.Wait(ctx)
	return err
}

// Request sends a message and waits for one response unless Expect says otherwise.
func (b *Bus) Request(ctx context.Context, address string, payload any, opts ...SendOption) (*Result, error) {
	p, err := b.Submit(buildOperation(address, payload, 1, opts))
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// RequestAll waits for n responses.
func (b *Bus) RequestAll(ctx context.Context, address string, payload any, n int, opts ...SendOption) (*Result, error) {
	return b.Request(ctx, address, payload, append(opts, Expect(n))...)
}

// RequestAs sends a request and converts the first response payload to T.
func RequestAs[T any](ctx context.Context, b *Bus, address string, payload any, opts ...SendOption) (T, error) {
	var zero T
	res, err := b.Request(ctx, address, payload, opts...)
	if err != nil {
		return zero, err
	}
	v, ok := As[T](res.First())
	if !ok {
		return zero, fmt.Errorf("xmbus: response payload %T is not %s", res.First(), reflect.TypeFor[T]())
	}
	return v, nil
}

// Cancel fails a pending operation with ErrCanceled. It reports false when the
// operation had already resolved.
func (b *Bus) Cancel(p *Pending) bool {
	if p == nil {
		return false
	}
	o := b.takePending(p.op.id)
	if o == nil {
		return false
	}
	return b.resolve(o, StateFailed, ErrCanceled)
}

// Register adds a local receiver. An empty address and a nil payloadType match
// anything; includeDerived extends the type match to implementations and pointers.
func (b *Bus) Register(address string, payloadType reflect.Type, includeDerived bool, rcv Receiver) (*Registration, error) {
	if rcv == nil {
		return nil, nilArg("Register", "rcv")
	}
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	base := RecoveryMiddleware()(rcv)
	reg := &Registration{
		Address:        address,
		PayloadType:    payloadType,
		IncludeDerived: includeDerived,
		Receiver:       rcv,
		id:             b.regSeq.Add(1),
		handler:        Chain(base, b.middlewares...),
	}
	b.regMu.Lock()
	b.registrations = append(b.registrations, reg)
	b.regMu.Unlock()
	return reg, nil
}

// Unregister removes reg; deliveries already dispatched still run.
func (b *Bus) Unregister(reg *Registration) bool {
	if reg == nil {
		return false
	}
	b.regMu.Lock()
	defer b.regMu.Unlock()
	for i, r := range b.registrations {
		if r == reg {
			b.registrations = append(b.registrations[:i], b.registrations[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Bus) snapshotRegistrations() []*Registration {
	b.regMu.RLock()
	defer b.regMu.RUnlock()
	out := make([]*Registration, len(b.registrations))
	copy(out, b.registrations)
	return out
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	b.pendingMu.Lock()
	pending := len(b.pending)
	b.pendingMu.Unlock()
	b.regMu.RLock()
	regs := len(b.registrations)
	b.regMu.RUnlock()

	m := Metrics{
		Submitted:           b.metrics.submitted.Load(),
		Forwarded:           b.metrics.forwarded.Load(),
		Received:            b.metrics.received.Load(),
		Delivered:           b.metrics.delivered.Load(),
		Responses:           b.metrics.responses.Load(),
		Completed:           b.metrics.completed.Load(),
		TimedOut:            b.metrics.timedOut.Load(),
		Failed:              b.metrics.failed.Load(),
		Dropped:             b.metrics.dropped.Load(),
		Errors:              b.metrics.errors.Load(),
		Pending:             pending,
		Registrations:       regs,
		Connections:         b.manager.Len(),
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health checks bus health for Kubernetes probes. A broken connection or an error
// rate above 5% degrades the bus.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	now := b.clock.Now()
	if b.closed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "bus is closed"}
	}
	if !b.started.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "bus not started"}
	}

	metrics := b.GetMetrics()
	status := "healthy"
	var msg string

	if traffic := metrics.Submitted + metrics.Received; metrics.Errors > 0 && traffic > 0 {
		if float64(metrics.Errors)/float64(traffic) > 0.05 {
			status = "degraded"
			msg = "error rate above 5%"
		}
	}
	for _, c := range b.manager.Connections() {
		if c.IsBroken() {
			status = "degraded"
			msg = fmt.Sprintf("connection %q broken: %s", c.Name(), c.BrokenMessage())
			break
		}
	}

	return HealthStatus{Status: status, Metrics: metrics, Timestamp: now, Message: msg}
}

// Close stops the processing loop, fails pending operations with ErrBusClosed and
// releases connections, router, dispatcher and observers. It is idempotent.
func (b *Bus) Close(ctx context.Context) error {
	var errs []error

	b.closeOnce.Do(func() {
		b.lifeMu.Lock()
		defer b.lifeMu.Unlock()
		b.closed.Store(true)

		if b.started.Load() {
			b.stop()
			select {
			case <-b.loopDone:
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
			}
		}

		b.pendingMu.Lock()
		stranded := make([]*operation, 0, len(b.pending))
		for id, o := range b.pending {
			delete(b.pending, id)
			stranded = append(stranded, o)
		}
		b.pendingMu.Unlock()
		for _, o := range stranded {
			b.resolve(o, StateFailed, ErrBusClosed)
		}

		if b.started.Load() {
			if err := b.manager.Unload(ctx); err != nil {
				b.logger.Error().Err(err).Msg("xmbus: connection unload failed")
				errs = append(errs, err)
			}
			if err := b.router.Unload(ctx); err != nil {
				b.logger.Error().Err(err).Msg("xmbus: router unload failed")
				errs = append(errs, err)
			}
		}

		b.regMu.Lock()
		b.registrations = nil
		b.regMu.Unlock()

		if err := b.dispatcher.Close(); err != nil {
			errs = append(errs, err)
		}
		if b.observerPool != nil {
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := b.observerPool.Close(pctx)
			cancel()
			if err != nil {
				b.logger.Warn().Err(err).Msg("xmbus: observer pool shutdown timeout")
				errs = append(errs, err)
			}
		}
	})

	return errors.Join(errs...)
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if b.observerPool != nil {
		b.observerPool.Add(obs)
	}
}

func (b *Bus) RemoveObserver(obs Observer) {
	if b.observerPool != nil {
		b.observerPool.Remove(obs)
	}
}

// notifyAsync hands e to the observer pool without blocking.
func (b *Bus) notifyAsync(e Event) {
	if b.observerPool == nil || b.closed.Load() {
		return
	}
	b.observerPool.Notify(e)
}

// recordProcessingTime keeps an exponential moving average of receiver run time.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	b.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}

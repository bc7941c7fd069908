package xmbus

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver emits bus events via xlog. Errors, timeouts and drops log at warn,
// everything else at debug.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("address", e.Address),
	)
	if e.MessageID != "" {
		ev = ev.With(xlog.Str("message_id", e.MessageID))
	}
	if e.OperationID != "" {
		ev = ev.With(xlog.Str("operation_id", e.OperationID))
	}
	if e.Connection != "" {
		ev = ev.With(xlog.Str("connection", e.Connection))
	}
	if e.Count > 0 {
		ev = ev.With(xlog.Str("count", strconv.Itoa(e.Count)))
	}
	switch e.Type {
	case EventError, EventTimeout, EventDrop:
		ev.Warn().Err(e.Err).Msg("xmbus event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		if e.Type == EventComplete {
			ev = ev.With(xlog.Str("state", e.State.String()))
		}
		ev.Debug().Msg("xmbus event")
	}
}

// eventTypes fixes the slot of each event type in the per-type drop counters.
var eventTypes = [...]EventType{
	EventSubmit, EventForward, EventReceive, EventDeliver, EventResponse,
	EventComplete, EventTimeout, EventDrop, EventError,
}

func eventSlot(t EventType) int {
	for i, et := range eventTypes {
		if et == t {
			return i
		}
	}
	return len(eventTypes)
}

// isFailure reports whether t signals a message that did not reach its destination.
func isFailure(t EventType) bool {
	return t == EventError || t == EventTimeout || t == EventDrop
}

// ObserverPool owns the bus observers and calls them from its own workers, so a slow
// observer never stalls the processing loop. Error, timeout and drop events use a
// separate queue that workers drain first. When a queue is full the event is dropped
// and counted against its type.
type ObserverPool struct {
	writeMu   sync.Mutex
	observers atomic.Pointer[[]Observer]

	routine  chan Event
	failures chan Event
	quit     chan struct{}
	workers  int
	wg       sync.WaitGroup
	closed   atomic.Bool

	processed atomic.Uint64
	dropped   [len(eventTypes) + 1]atomic.Uint64
}

// NewObserverPool starts workers goroutines (default 2) over a queue of bufferSize
// events (default 1024). The failure queue holds an eighth of that, at least 16.
func NewObserverPool(workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 2
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}
	p := &ObserverPool{
		routine:  make(chan Event, bufferSize),
		failures: make(chan Event, max(bufferSize/8, 16)),
		quit:     make(chan struct{}),
		workers:  workers,
	}
	p.observers.Store(&[]Observer{})
	p.wg.Add(workers)
	for range workers {
		go p.run()
	}
	return p
}

// Add registers obs. Events already queued reach it too.
func (p *ObserverPool) Add(obs Observer) {
	if obs == nil {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	cur := *p.observers.Load()
	next := make([]Observer, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, obs)
	p.observers.Store(&next)
}

// Remove unregisters the first observer equal to obs. Functions compare by code pointer.
func (p *ObserverPool) Remove(obs Observer) bool {
	if obs == nil {
		return false
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	cur := *p.observers.Load()
	for i, o := range cur {
		if sameObserver(o, obs) {
			next := make([]Observer, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			next = append(next, cur[i+1:]...)
			p.observers.Store(&next)
			return true
		}
	}
	return false
}

func sameObserver(a, b Observer) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Kind() == reflect.Func {
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	return ta.Comparable() && a == b
}

// Len returns the number of registered observers.
func (p *ObserverPool) Len() int { return len(*p.observers.Load()) }

// Notify queues e without blocking. Nothing is queued while no observer is registered.
func (p *ObserverPool) Notify(e Event) {
	if p.closed.Load() || p.Len() == 0 {
		return
	}
	q := p.routine
	if isFailure(e.Type) {
		q = p.failures
	}
	select {
	case q <- e:
	default:
		p.dropped[eventSlot(e.Type)].Add(1)
	}
}

func (p *ObserverPool) run() {
	defer p.wg.Done()
	for {
		select {
		case e := <-p.failures:
			p.deliver(e)
			continue
		default:
		}
		select {
		case e := <-p.failures:
			p.deliver(e)
		case e := <-p.routine:
			p.deliver(e)
		case <-p.quit:
			p.drain()
			return
		}
	}
}

func (p *ObserverPool) drain() {
	for {
		select {
		case e := <-p.failures:
			p.deliver(e)
		case e := <-p.routine:
			p.deliver(e)
		default:
			return
		}
	}
}

// deliver calls the observers registered at delivery time. A panicking observer does
// not keep the others from seeing e.
func (p *ObserverPool) deliver(e Event) {
	for _, obs := range *p.observers.Load() {
		func() {
			defer func() { _ = recover() }()
			obs.OnEvent(e)
		}()
	}
	p.processed.Add(1)
}

// Close stops accepting events and waits for the workers to drain both queues, or for
// ctx to end.
func (p *ObserverPool) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.quit)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrObserverPoolShutdownTimeout, ctx.Err())
	}
}

func (p *ObserverPool) Stats() PoolStats {
	s := PoolStats{
		Processed:     p.processed.Load(),
		ActiveEvents:  len(p.routine) + len(p.failures),
		Workers:       p.workers,
		BufferSize:    cap(p.routine),
		FailureBuffer: cap(p.failures),
		Observers:     p.Len(),
	}
	for i := range p.dropped {
		n := p.dropped[i].Load()
		if n == 0 {
			continue
		}
		s.Dropped += n
		if s.DroppedByType == nil {
			s.DroppedByType = map[EventType]uint64{}
		}
		t := EventType("unknown")
		if i < len(eventTypes) {
			t = eventTypes[i]
		}
		s.DroppedByType[t] += n
	}
	return s
}

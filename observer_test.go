package xmbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
)

func closePool(t *testing.T, p *ObserverPool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

func TestObserverPool_DeliversToEveryObserver(t *testing.T) {
	pool := NewObserverPool(2, 16)
	var a, b atomic.Int32
	pool.Add(ObserverFunc(func(Event) { a.Add(1) }))
	pool.Add(nil)
	pool.Add(ObserverFunc(func(Event) { panic("observer bug") }))
	pool.Add(ObserverFunc(func(Event) { b.Add(1) }))
	assert.Equal(t, 3, pool.Len())

	for range 5 {
		pool.Notify(Event{Type: EventSubmit})
	}
	closePool(t, pool)

	assert.Equal(t, int32(5), a.Load())
	assert.Equal(t, int32(5), b.Load())
	assert.Equal(t, uint64(5), pool.Stats().Processed)
}

func TestObserverPool_NothingQueuedWithoutObservers(t *testing.T) {
	pool := NewObserverPool(1, 1)
	for range 10 {
		pool.Notify(Event{Type: EventDeliver})
	}
	stats := pool.Stats()
	assert.Zero(t, stats.Dropped)
	assert.Zero(t, stats.ActiveEvents)
	closePool(t, pool)
}

func TestObserverPool_RemoveStopsLaterDeliveries(t *testing.T) {
	pool := NewObserverPool(1, 16)
	var calls atomic.Int32
	fn := ObserverFunc(func(Event) { calls.Add(1) })
	keep := ObserverFunc(func(Event) {})
	pool.Add(fn)
	pool.Add(keep)

	pool.Notify(Event{Type: EventSubmit})
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	assert.True(t, pool.Remove(fn))
	assert.False(t, pool.Remove(fn))
	assert.Equal(t, 1, pool.Len())

	pool.Notify(Event{Type: EventSubmit})
	closePool(t, pool)
	assert.Equal(t, int32(1), calls.Load())
}

func TestObserverPool_DropsCountedPerType(t *testing.T) {
	pool := NewObserverPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	pool.Add(ObserverFunc(func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}))

	pool.Notify(Event{Type: EventDeliver})
	<-started
	for range 10 {
		pool.Notify(Event{Type: EventDeliver})
	}
	stats := pool.Stats()
	assert.Equal(t, uint64(9), stats.Dropped)
	assert.Equal(t, map[EventType]uint64{EventDeliver: 9}, stats.DroppedByType)
	assert.Equal(t, 1, stats.Workers)
	assert.Equal(t, 1, stats.BufferSize)
	assert.Equal(t, 16, stats.FailureBuffer)

	// timeouts use their own queue, so a full deliver queue does not drop them
	pool.Notify(Event{Type: EventTimeout})
	assert.Equal(t, uint64(9), pool.Stats().Dropped)

	close(release)
	closePool(t, pool)
	pool.Notify(Event{Type: EventDeliver})
	assert.Zero(t, pool.Stats().ActiveEvents, "closed pools ignore events")
}

func TestObserverPool_FailuresDeliveredFirst(t *testing.T) {
	pool := NewObserverPool(1, 32)
	release := make(chan struct{})
	started := make(chan struct{})
	var order []EventType
	pool.Add(ObserverFunc(func(e Event) {
		if e.Type == EventSubmit && e.Address == "gate" {
			close(started)
			<-release
			return
		}
		order = append(order, e.Type)
	}))

	pool.Notify(Event{Type: EventSubmit, Address: "gate"})
	<-started
	pool.Notify(Event{Type: EventDeliver})
	pool.Notify(Event{Type: EventForward})
	pool.Notify(Event{Type: EventError})
	close(release)
	closePool(t, pool)

	assert.Equal(t, []EventType{EventError, EventDeliver, EventForward}, order)
}

func TestObserverPool_CloseHonorsContext(t *testing.T) {
	pool := NewObserverPool(1, 4)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	started := make(chan struct{})
	pool.Add(ObserverFunc(func(Event) {
		close(started)
		<-release
	}))
	pool.Notify(Event{Type: EventSubmit})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := pool.Close(ctx)
	assert.ErrorIs(t, err, ErrObserverPoolShutdownTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, pool.Close(context.Background()), "second close is a no-op")
}

func TestLoggingObserver(t *testing.T) {
	assert.NotPanics(t, func() { LoggingObserver{}.OnEvent(Event{Type: EventError}) })

	lg := xlog.Default()
	events := []Event{
		{Type: EventError, Address: "a", Err: ErrTimeout},
		{Type: EventComplete, Address: "a", OperationID: "op", State: StateCompleted, Duration: time.Millisecond},
		{Type: EventForward, Address: "a", MessageID: "m", Connection: "redis", Count: 2},
	}
	for _, e := range events {
		assert.NotPanics(t, func() { LoggingObserver{Logger: lg}.OnEvent(e) })
	}
}

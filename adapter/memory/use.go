package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmbus"
)

// Use builds and starts a Bus with one memory connection on cfg.Hub and installs it
// as the process default.
//
// Example:
//
//	bus := memory.Use(memory.Config{Hub: "tests", Serialize: true},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
func Use(cfg Config, opts ...Option) *xmbus.Bus {
	bb := xmbus.NewBusBuilder().
		WithConnection(ConnectionName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	if err := bus.Start(context.Background()); err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	xmbus.SetDefault(bus)
	return bus
}

// Option configures the xmbus.Bus when calling Use.
type Option func(*xmbus.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xmbus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xmbus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xmbus.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds receiver middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xmbus.Middleware) Option {
	return func(b *xmbus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithDefaultTimeout bounds requests submitted without a timeout (default: 30s).
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *xmbus.BusBuilder) { b.WithDefaultTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xmbus.Observer) Option {
	return func(b *xmbus.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool sizes the async observer pool.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xmbus.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}

// WithDispatcher selects where receivers run.
func WithDispatcher(d xmbus.Dispatcher) Option {
	return func(b *xmbus.BusBuilder) { b.WithDispatcher(d) }
}

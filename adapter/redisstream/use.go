package redisstream

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmbus"
)

const ConnectionName = "redis-streams"

func init() {
	if err := xmbus.RegisterConnection(ConnectionName, func(cfg map[string]any) (xmbus.Connection, error) {
		return New(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xmbus: failed to register connection %q: %w", ConnectionName, err))
	}
}

// Use builds and starts a Bus connected through Redis Streams, installs it as the
// default Bus and returns it. It panics when Redis is unreachable.
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
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	if err := bus.Start(context.Background()); err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	if len(bus.Connections()) == 0 {
		_ = bus.Close(context.Background())
		panic(fmt.Errorf("redisstream.Use: connection to %s failed", cfg.Addr))
	}

	xmbus.SetDefault(bus)
	return bus
}

// Option configures the xmbus.Bus construction when calling Use.
type Option func(*xmbus.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xmbus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xmbus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *xmbus.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds receiver middlewares.
func WithMiddleware(mw ...xmbus.Middleware) Option {
	return func(b *xmbus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithDefaultTimeout bounds requests submitted without a timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *xmbus.BusBuilder) { b.WithDefaultTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xmbus.Observer) Option {
	return func(b *xmbus.BusBuilder) { b.WithObserver(obs...) }
}

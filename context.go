package xmbus

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xmbus.
type ctxKey string

const (
	busCtxKey     ctxKey = "xmbus:bus"
	loggerCtxKey  ctxKey = "xmbus:logger"
	clockCtxKey   ctxKey = "xmbus:clock"
	messageCtxKey ctxKey = "xmbus:message"
)

func injectBus(ctx context.Context, b *Bus) context.Context {
	if b == nil {
		return ctx
	}
	return context.WithValue(ctx, busCtxKey, b)
}

// BusFromContext returns the bus that is delivering to the current receiver, for
// receivers that publish follow-up messages.
func BusFromContext(ctx context.Context) (*Bus, bool) {
	b, ok := ctx.Value(busCtxKey).(*Bus)
	return b, ok && b != nil
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectMessage(ctx context.Context, m *Message) context.Context {
	return context.WithValue(ctx, messageCtxKey, m)
}

// MessageFromContext returns the message being delivered.
func MessageFromContext(ctx context.Context) (*Message, bool) {
	m, ok := ctx.Value(messageCtxKey).(*Message)
	return m, ok && m != nil
}

// InjectAll attaches the bus, its logger and its clock to ctx.
func InjectAll(ctx context.Context, b *Bus) context.Context {
	if b == nil {
		return ctx
	}
	ctx = injectBus(ctx, b)
	ctx = injectLogger(ctx, b.logger)
	ctx = injectClock(ctx, b.clock)
	return ctx
}

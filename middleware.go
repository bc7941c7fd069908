package xmbus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Middleware wraps a Receiver.
type Middleware func(next Receiver) Receiver

// RetryConfig controls retry behavior for receiver middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt.
	Backoff func(attempt int) time.Duration
	// RetryIf returns true if the error should be retried. If nil, every error except
	// ErrNoResponse is retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

// RetryMiddleware provides bounded, selective retries around a receiver.
func RetryMiddleware(cfg RetryConfig) Middleware {
	return func(next Receiver) Receiver {
		return func(ctx context.Context, msg *Message) (any, error) {
			attempts := cfg.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}
			shouldRetry := cfg.RetryIf
			if shouldRetry == nil {
				shouldRetry = func(err error) bool { return !errors.Is(err, ErrNoResponse) }
			}
			var (
				out     any
				lastErr error
			)
			for i := 1; i <= attempts; i++ {
				out, lastErr = next(ctx, msg)
				if lastErr == nil {
					return out, nil
				}
				if ctx.Err() != nil || i == attempts || !shouldRetry(lastErr) {
					return out, lastErr
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					select {
					case <-ctx.Done():
						return out, lastErr
					case <-time.After(wait):
					}
				}
			}
			return out, lastErr
		}
	}
}

// TimeoutMiddleware bounds how long a receiver may run. When exceeded the receiver
// yields context.DeadlineExceeded, which turns into a fault response for requests.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Receiver) Receiver { return next }
	}
	return func(next Receiver) Receiver {
		return func(ctx context.Context, msg *Message) (any, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type outcome struct {
				v   any
				err error
			}
			ch := make(chan outcome, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						ch <- outcome{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
					}
				}()
				v, err := next(tctx, msg)
				ch <- outcome{v: v, err: err}
			}()

			select {
			case <-tctx.Done():
				return nil, tctx.Err()
			case o := <-ch:
				return o.v, o.err
			}
		}
	}
}

// RecoveryMiddleware converts receiver panics into errors wrapping ErrHandlerPanic.
func RecoveryMiddleware() Middleware {
	return func(next Receiver) Receiver {
		return func(ctx context.Context, msg *Message) (out any, err error) {
			defer func() {
				if r := recover(); r != nil {
					out, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// Chain composes middlewares around a receiver; the first middleware is outermost.
func Chain(r Receiver, mws ...Middleware) Receiver {
	wrapped := r
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

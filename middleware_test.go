package xmbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func flaky(failures int, calls *int) Receiver {
	return func(context.Context, *Message) (any, error) {
		*calls++
		if *calls <= failures {
			return nil, errTransient
		}
		return "ok", nil
	}
}

func TestRetryMiddleware_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	var waits []int
	r := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		Backoff: func(attempt int) time.Duration {
			waits = append(waits, attempt)
			return time.Millisecond
		},
	})(flaky(2, &calls))

	out, err := r(context.Background(), &Message{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, waits)
}

func TestRetryMiddleware_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	r := RetryMiddleware(RetryConfig{MaxAttempts: 2})(flaky(10, &calls))
	_, err := r(context.Background(), &Message{})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
}

func TestRetryMiddleware_RetryIf(t *testing.T) {
	calls := 0
	r := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, errTransient) },
	})(flaky(10, &calls))
	_, err := r(context.Background(), &Message{})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestRetryMiddleware_DoesNotRetryNoResponse(t *testing.T) {
	calls := 0
	r := RetryMiddleware(RetryConfig{MaxAttempts: 3})(func(context.Context, *Message) (any, error) {
		calls++
		return nil, ErrNoResponse
	})
	_, err := r(context.Background(), &Message{})
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Equal(t, 1, calls)
}

func TestRetryMiddleware_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Hour },
	})(func(context.Context, *Message) (any, error) {
		calls++
		cancel()
		return nil, errTransient
	})
	_, err := r(ctx, &Message{})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := func(ctx context.Context, _ *Message) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "late", nil
		}
	}
	r := TimeoutMiddleware(20 * time.Millisecond)(slow)
	_, err := r(context.Background(), &Message{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	fast := TimeoutMiddleware(time.Second)(func(context.Context, *Message) (any, error) { return 1, nil })
	out, err := fast(context.Background(), &Message{})
	require.NoError(t, err)
	assert.Equal(t, 1, out)

	panicky := TimeoutMiddleware(time.Second)(func(context.Context, *Message) (any, error) { panic("inner") })
	_, err = panicky(context.Background(), &Message{})
	assert.ErrorIs(t, err, ErrHandlerPanic)

	passthrough := TimeoutMiddleware(0)(slow)
	assert.NotNil(t, passthrough)
}

func TestRecoveryMiddleware(t *testing.T) {
	r := RecoveryMiddleware()(func(context.Context, *Message) (any, error) { panic("kaboom") })
	out, err := r(context.Background(), &Message{})
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.ErrorContains(t, err, "kaboom")
}

func TestChain_FirstIsOutermost(t *testing.T) {
	var trace []string
	tag := func(name string) Middleware {
		return func(next Receiver) Receiver {
			return func(ctx context.Context, msg *Message) (any, error) {
				trace = append(trace, name+">")
				out, err := next(ctx, msg)
				trace = append(trace, "<"+name)
				return out, err
			}
		}
	}
	r := Chain(func(context.Context, *Message) (any, error) {
		trace = append(trace, "receiver")
		return nil, nil
	}, tag("a"), nil, tag("b"))

	_, err := r(context.Background(), &Message{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "receiver", "<b", "<a"}, trace)
}

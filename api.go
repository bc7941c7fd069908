package xmbus

import (
	"context"
	"reflect"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Connection is one transport endpoint. Implementations buffer internally: SendMessage
// only enqueues and DequeueMessages drains whatever arrived since the last call.
//
// A connection that becomes broken keeps reporting IsBroken until it is initialized again.
type Connection interface {
	Name() string
	Initialize(ctx context.Context, dc *DependencyContext) error
	Unload(ctx context.Context) error
	// SendMessage enqueues msg for transmission; it must not block past the enqueue.
	SendMessage(msg *Message) error
	// DequeueMessages appends all buffered inbound messages to dst and returns it.
	DequeueMessages(dst []*Message) []*Message
	IsBroken() bool
	// BrokenMessage describes why the connection broke; empty while healthy.
	BrokenMessage() string
}

// Router decides where messages go. Decision methods are called once per message
// per candidate and must not mutate routing fields of the message.
type Router interface {
	Initialize(ctx context.Context, dc *DependencyContext) error
	Unload(ctx context.Context) error
	ForwardToGlobal(msg *Message) bool
	ForwardToLocal(msg *Message) bool
	ShouldReceive(msg *Message, reg *Registration) bool
	ShouldSend(msg *Message, conn Connection) bool
	ReceivedFromLocal(msg *Message)
	ReceivedFromRemote(msg *Message, conn Connection)
}

// Dispatcher chooses the goroutine on which receiver callbacks run.
type Dispatcher interface {
	Dispatch(fn func()) error
	Close() error
}

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// DependencyContext carries every collaborator the core hands to connections and the
// router at Initialize time. Nothing is resolved from globals.
type DependencyContext struct {
	Serializer  Serializer
	Types       *PayloadTypes
	Logger      *xlog.Logger
	Clock       xclock.Clock
	Connections []Connection
}

// API represents the complete xmbus surface for extensibility.
type API interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	Submit(op SendOperation) (*Pending, error)
	Publish(ctx context.Context, address string, payload any, opts ...SendOption) error
	Request(ctx context.Context, address string, payload any, opts ...SendOption) (*Result, error)
	Cancel(p *Pending) bool
	Register(address string, payloadType reflect.Type, includeDerived bool, rcv Receiver) (*Registration, error)
	Unregister(reg *Registration) bool
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

const (
	// defaultPollInterval bounds how long the processing loop sleeps without a wake-up.
	defaultPollInterval = 10 * time.Millisecond
	defaultTimeout      = 30 * time.Second
)

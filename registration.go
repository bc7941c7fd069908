package xmbus

import (
	"context"
	"reflect"
)

// Receiver handles a delivered message. When the sender waits for responses the
// returned value becomes the response payload and a returned error becomes a fault
// response. Return ErrNoResponse to stay silent.
type Receiver func(ctx context.Context, msg *Message) (any, error)

// Registration is a local subscription. An empty Address and a nil PayloadType match
// anything. It must not be modified after registering.
type Registration struct {
	Address        string
	PayloadType    reflect.Type
	IncludeDerived bool
	Receiver       Receiver

	id      uint64
	handler Receiver
}

func (r *Registration) ID() uint64 { return r.id }

// RegisterFunc registers a typed receiver for payloads of type T. With includeDerived
// an interface T also accepts implementations and a struct T also accepts *T.
func RegisterFunc[T any](b *Bus, address string, includeDerived bool, fn func(ctx context.Context, payload T, msg *Message) (any, error)) (*Registration, error) {
	if fn == nil {
		return nil, nilArg("RegisterFunc", "fn")
	}
	return b.Register(address, reflect.TypeFor[T](), includeDerived, func(ctx context.Context, msg *Message) (any, error) {
		v, _ := As[T](msg.Payload)
		return fn(ctx, v, msg)
	})
}

// As converts a payload to T, dereferencing a *T. ok is false when neither applies.
func As[T any](payload any) (T, bool) {
	if v, ok := payload.(T); ok {
		return v, true
	}
	if p, ok := payload.(*T); ok && p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}

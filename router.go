package xmbus

import (
	"context"
	"reflect"
	"strings"
)

var _ Router = (*DefaultRouter)(nil)

// DefaultRouter is the permissive routing policy. Embed it to override single
// decisions, e.g. ShouldSend to suppress echoing a message back to its origin.
type DefaultRouter struct{}

func (DefaultRouter) Initialize(context.Context, *DependencyContext) error { return nil }
func (DefaultRouter) Unload(context.Context) error                         { return nil }

// ForwardToGlobal is true for a message marked for global distribution that did not
// itself arrive from the global side, so remote messages are never re-forwarded.
func (DefaultRouter) ForwardToGlobal(msg *Message) bool {
	return msg.ToGlobal && !msg.FromGlobal
}

// ForwardToLocal is true for requests and broadcasts; responses only satisfy the
// originating operation.
func (DefaultRouter) ForwardToLocal(msg *Message) bool {
	return msg.ResponseTo == nil
}

func (DefaultRouter) ShouldReceive(msg *Message, reg *Registration) bool {
	if msg == nil || reg == nil {
		return false
	}
	if !MatchAddress(reg.Address, msg.Address) {
		return false
	}
	// a nil type filter accepts every payload, including nil
	return reg.PayloadType == nil || CompareTypes(payloadType(msg), reg.PayloadType, reg.IncludeDerived)
}

// ShouldSend always allows sending.
func (DefaultRouter) ShouldSend(*Message, Connection) bool { return true }

func (DefaultRouter) ReceivedFromLocal(*Message)              {}
func (DefaultRouter) ReceivedFromRemote(*Message, Connection) {}

// MatchAddress reports whether a registration filter accepts address. An empty
// filter accepts any address; otherwise the match is exact and case-insensitive.
func MatchAddress(filter, address string) bool {
	return filter == "" || strings.EqualFold(filter, address)
}

// CompareTypes compares a payload type (source) against a registration type (target).
// Both nil are equal and exactly one nil is not. Without tolerance the types must be
// identical. With tolerance target is satisfied by source itself, by any source that
// implements target when target is an interface, and by a pointer to target.
func CompareTypes(source, target reflect.Type, inheritanceTolerant bool) bool {
	if source == nil && target == nil {
		return true
	}
	if source == nil || target == nil {
		return false
	}
	if !inheritanceTolerant {
		return source == target
	}
	if source == target {
		return true
	}
	if target.Kind() == reflect.Interface {
		return source.Implements(target)
	}
	return source.Kind() == reflect.Pointer && source.Elem() == target
}

// payloadType returns the runtime type of the payload, nil for a nil payload.
func payloadType(msg *Message) reflect.Type {
	if msg.Payload == nil {
		return nil
	}
	return reflect.TypeOf(msg.Payload)
}

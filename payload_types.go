package xmbus

import (
	"reflect"
	"sync"
	"time"
)

// PayloadTypes maps stable type names to runtime types so payloads survive the wire
// with their concrete type. Only registered types can be deserialized.
type PayloadTypes struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
}

// DefaultPayloadTypes is the registry used when none is configured.
var DefaultPayloadTypes = NewPayloadTypes()

// NewPayloadTypes returns a registry preloaded with the builtin scalar and JSON types.
func NewPayloadTypes() *PayloadTypes {
	p := &PayloadTypes{byName: make(map[string]reflect.Type, 24)}
	for _, v := range []any{
		"", false,
		int(0), int8(0), int16(0), int32(0), int64(0),
		uint(0), uint8(0), uint16(0), uint32(0), uint64(0),
		float32(0), float64(0),
		[]byte(nil), []string(nil), []any(nil),
		map[string]any(nil), map[string]string(nil),
		time.Time{}, time.Duration(0),
	} {
		p.Register(reflect.TypeOf(v))
	}
	return p
}

// Register adds t and returns its wire name.
func (p *PayloadTypes) Register(t reflect.Type) string {
	if t == nil {
		return ""
	}
	name := TypeName(t)
	p.mu.Lock()
	p.byName[name] = t
	p.mu.Unlock()
	return name
}

// Lookup resolves a wire name.
func (p *PayloadTypes) Lookup(name string) (reflect.Type, bool) {
	p.mu.RLock()
	t, ok := p.byName[name]
	p.mu.RUnlock()
	return t, ok
}

// RegisterType registers T in p (DefaultPayloadTypes when p is nil).
func RegisterType[T any](p *PayloadTypes) string {
	if p == nil {
		p = DefaultPayloadTypes
	}
	return p.Register(reflect.TypeFor[T]())
}

// TypeName returns the wire name of t: the import path qualified name for named
// types, the Go notation otherwise.
func TypeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Pointer {
		return "*" + TypeName(t.Elem())
	}
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// PayloadTypeName returns the wire name of v's dynamic type, or "" for nil.
func PayloadTypeName(v any) string {
	if v == nil {
		return ""
	}
	return TypeName(reflect.TypeOf(v))
}

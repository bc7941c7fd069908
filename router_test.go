package xmbus

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type shape interface{ Area() float64 }

type square struct{ Side float64 }

func (s square) Area() float64 { return s.Side * s.Side }

func TestDefaultRouter_ForwardToGlobal(t *testing.T) {
	r := DefaultRouter{}
	for _, tc := range []struct {
		toGlobal, fromGlobal, want bool
	}{
		{toGlobal: true, fromGlobal: false, want: true},
		{toGlobal: true, fromGlobal: true, want: false},
		{toGlobal: false, fromGlobal: true, want: false},
		{toGlobal: false, fromGlobal: false, want: false},
	} {
		msg := &Message{ToGlobal: tc.toGlobal, FromGlobal: tc.fromGlobal}
		assert.Equal(t, tc.want, r.ForwardToGlobal(msg), "toGlobal=%v fromGlobal=%v", tc.toGlobal, tc.fromGlobal)
	}
}

func TestDefaultRouter_ForwardToLocal(t *testing.T) {
	r := DefaultRouter{}
	id := uuid.New()
	assert.True(t, r.ForwardToLocal(&Message{}))
	assert.True(t, r.ForwardToLocal(&Message{FromGlobal: true, WantsResponse: true}))
	assert.False(t, r.ForwardToLocal(&Message{ResponseTo: &id}))
	assert.False(t, r.ForwardToLocal(&Message{ResponseTo: &id, ToGlobal: true}))
}

func TestDefaultRouter_ShouldReceive(t *testing.T) {
	r := DefaultRouter{}
	stringType := reflect.TypeFor[string]()

	cases := []struct {
		name string
		reg  Registration
		msg  Message
		want bool
	}{
		{"address case-insensitive", Registration{Address: "Orders", PayloadType: stringType}, Message{Address: "oRDERS", Payload: "x"}, true},
		{"address mismatch", Registration{Address: "orders", PayloadType: stringType}, Message{Address: "invoices", Payload: "x"}, false},
		{"type mismatch", Registration{Address: "orders", PayloadType: stringType}, Message{Address: "orders", Payload: 42}, false},
		{"empty address matches any", Registration{PayloadType: stringType}, Message{Address: "anything", Payload: "x"}, true},
		{"nil type matches any payload", Registration{Address: "orders"}, Message{Address: "orders", Payload: 42}, true},
		{"nil type matches nil payload", Registration{Address: "orders"}, Message{Address: "orders"}, true},
		{"typed filter rejects nil payload", Registration{PayloadType: stringType}, Message{Address: "orders"}, false},
		{"catch-all", Registration{}, Message{Address: "x", Payload: square{}}, true},
		{"derived accepted when tolerant", Registration{PayloadType: reflect.TypeFor[shape](), IncludeDerived: true}, Message{Payload: square{Side: 2}}, true},
		{"derived rejected when strict", Registration{PayloadType: reflect.TypeFor[shape]()}, Message{Payload: square{Side: 2}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.ShouldReceive(&tc.msg, &tc.reg))
		})
	}
	assert.False(t, r.ShouldReceive(nil, &Registration{}))
	assert.False(t, r.ShouldReceive(&Message{}, nil))
}

func TestDefaultRouter_ShouldSendIsPermissive(t *testing.T) {
	r := DefaultRouter{}
	assert.True(t, r.ShouldSend(&Message{FromGlobal: true}, newFakeConn("a")))
	assert.True(t, r.ShouldSend(&Message{}, nil))
}

func TestCompareTypes(t *testing.T) {
	base := reflect.TypeFor[shape]()
	derived := reflect.TypeFor[square]()
	stringer := reflect.TypeFor[fmt.Stringer]()

	assert.True(t, CompareTypes(derived, derived, false))
	assert.True(t, CompareTypes(derived, derived, true))
	assert.True(t, CompareTypes(derived, base, true))
	assert.False(t, CompareTypes(derived, base, false))
	assert.False(t, CompareTypes(base, derived, true))
	assert.False(t, CompareTypes(derived, stringer, true))

	assert.True(t, CompareTypes(reflect.TypeFor[*square](), derived, true), "pointer satisfies its element type")
	assert.False(t, CompareTypes(derived, reflect.TypeFor[*square](), true))

	assert.True(t, CompareTypes(nil, nil, false))
	assert.False(t, CompareTypes(nil, derived, true))
	assert.False(t, CompareTypes(derived, nil, true))
}

func TestMatchAddress(t *testing.T) {
	assert.True(t, MatchAddress("", "whatever"))
	assert.True(t, MatchAddress("A", "a"))
	assert.False(t, MatchAddress("a", ""))
	assert.False(t, MatchAddress("a", "ab"))
}

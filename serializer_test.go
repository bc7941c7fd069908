package xmbus

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

type invoice struct {
	Number string
	Lines  []string
	Total  float64
}

type unregistered struct{ X int }

func init() {
	RegisterType[invoice](nil)
	RegisterType[*invoice](nil)
}

// closeTracker records whether Close was called on it.
type closeTracker struct {
	bytes.Buffer
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func sampleMessage(payload any) *Message {
	reqID := uuid.New()
	now := time.Now()
	return &Message{
		ID:            uuid.New(),
		Address:       "billing.invoice",
		Payload:       payload,
		PayloadType:   PayloadTypeName(payload),
		FromGlobal:    true,
		ToGlobal:      true,
		ResponseTo:    &reqID,
		WantsResponse: true,
		ProducedAt:    now,
		ExpiresAt:     now.Add(time.Minute),
	}
}

func assertEquivalent(t *testing.T, want, got *Message) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Address, got.Address)
	assert.Equal(t, want.Payload, got.Payload)
	assert.Equal(t, want.PayloadType, got.PayloadType)
	assert.Equal(t, want.FromGlobal, got.FromGlobal)
	assert.Equal(t, want.ToGlobal, got.ToGlobal)
	assert.Equal(t, want.ResponseTo, got.ResponseTo)
	assert.Equal(t, want.WantsResponse, got.WantsResponse)
	assert.Equal(t, want.Fault, got.Fault)
	assert.True(t, want.ProducedAt.Equal(got.ProducedAt))
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
}

func TestJSONSerializer_RoundTripsPayloadTypes(t *testing.T) {
	s := NewJSONSerializer()
	payloads := map[string]any{
		"string":  "hello",
		"int":     42,
		"int64":   int64(-7),
		"float64": 3.5,
		"bool":    true,
		"bytes":   []byte{1, 2, 3},
		"map":     map[string]string{"k": "v"},
		"struct":  invoice{Number: "INV-1", Lines: []string{"a", "b"}, Total: 9.5},
		"pointer": &invoice{Number: "INV-2"},
		"time":    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		"nil":     nil,
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			msg := sampleMessage(payload)
			data, err := s.SerializeToString(msg)
			require.NoError(t, err)
			got, err := s.DeserializeFromString(data)
			require.NoError(t, err)
			assertEquivalent(t, msg, got)
		})
	}
}

func TestJSONSerializer_RoundTripsFaultAndRequestShape(t *testing.T) {
	s := NewJSONSerializer()
	req := &Message{ID: uuid.New(), Address: "a"}
	resp := newResponse(req, nil, errors.New("boom"), time.Now())

	data, err := s.SerializeToString(resp)
	require.NoError(t, err)
	got, err := s.DeserializeFromString(data)
	require.NoError(t, err)
	assertEquivalent(t, resp, got)
	require.Error(t, got.Err())
	var re *RemoteError
	require.ErrorAs(t, got.Err(), &re)
	assert.Equal(t, "boom", re.Message)
	assert.Equal(t, "*errors.errorString", re.Type)

	plain := &Message{ID: uuid.New()}
	data, err = s.SerializeToString(plain)
	require.NoError(t, err)
	got, err = s.DeserializeFromString(data)
	require.NoError(t, err)
	assert.Nil(t, got.ResponseTo)
	assert.True(t, got.ProducedAt.IsZero())
}

func TestJSONSerializer_UnregisteredTypeFails(t *testing.T) {
	s := NewJSONSerializer()
	_, err := s.SerializeToString(sampleMessage(unregistered{X: 1}))
	var se *SerializationError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "serialize", se.Op)

	_, err = s.DeserializeFromString(`{"id":"` + uuid.NewString() + `","payloadType":"nope.Type","payload":{}}`)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "deserialize", se.Op)
}

func TestJSONSerializer_MalformedInputIsAllOrNothing(t *testing.T) {
	s := NewJSONSerializer()
	for _, in := range []string{
		"{not json",
		`{"id":"not-a-uuid"}`,
		`{"id":"` + uuid.NewString() + `","responseTo":"bad"}`,
		`{"id":"` + uuid.NewString() + `","payloadType":"int","payload":"text"}`,
	} {
		msg, err := s.DeserializeFromString(in)
		assert.Nil(t, msg, in)
		var se *SerializationError
		assert.ErrorAs(t, err, &se, in)
	}
	_, err := s.SerializeToString(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestJSONSerializer_StreamLeavesStreamOpen(t *testing.T) {
	s := NewJSONSerializer()
	msg := sampleMessage(invoice{Number: "INV-3"})

	w := &closeTracker{}
	require.NoError(t, s.SerializeToStream(w, msg))
	assert.False(t, w.closed)

	r := &closeTracker{}
	r.Write(w.Bytes())
	got, err := s.DeserializeFromStream(r)
	require.NoError(t, err)
	assert.False(t, r.closed)
	assertEquivalent(t, msg, got)

	assert.ErrorIs(t, s.SerializeToStream(nil, msg), ErrInvalidArgument)
	_, err = s.DeserializeFromStream(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestJSONSerializer_StreamEncoding(t *testing.T) {
	s := NewJSONSerializer()
	utf16 := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	msg := sampleMessage("grüße")

	var buf bytes.Buffer
	require.NoError(t, s.SerializeToStreamEncoded(&buf, msg, utf16))
	assert.False(t, strings.Contains(buf.String(), "billing.invoice"), "payload is not UTF-8 on the wire")

	got, err := s.DeserializeFromStreamEncoded(&buf, utf16)
	require.NoError(t, err)
	assertEquivalent(t, msg, got)

	s.Encoding = utf16
	buf.Reset()
	require.NoError(t, s.SerializeToStream(&buf, msg))
	got, err = s.DeserializeFromStream(&buf)
	require.NoError(t, err)
	assert.Equal(t, "grüße", got.Payload)
}

func TestJSONSerializer_CustomTypeRegistry(t *testing.T) {
	types := NewPayloadTypes()
	s := NewJSONSerializer()
	s.Types = types

	_, err := s.SerializeToString(&Message{ID: uuid.New(), Payload: unregistered{X: 1}})
	require.Error(t, err)

	name := RegisterType[unregistered](types)
	assert.Equal(t, "github.com/trickstertwo/xmbus.unregistered", name)
	data, err := s.SerializeToString(&Message{ID: uuid.New(), Payload: unregistered{X: 1}})
	require.NoError(t, err)
	got, err := s.DeserializeFromString(data)
	require.NoError(t, err)
	assert.Equal(t, unregistered{X: 1}, got.Payload)

	_, err = NewJSONSerializer().DeserializeFromString(data)
	assert.Error(t, err, "the default registry does not know the type")
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "string", PayloadTypeName("x"))
	assert.Equal(t, "github.com/trickstertwo/xmbus.invoice", PayloadTypeName(invoice{}))
	assert.Equal(t, "*github.com/trickstertwo/xmbus.invoice", PayloadTypeName(&invoice{}))
	assert.Equal(t, "map[string]interface {}", PayloadTypeName(map[string]any{}))
	assert.Equal(t, "", PayloadTypeName(nil))
}

package xmbus

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Serializer converts a Message to and from its wire representation. Conversion is
// all-or-nothing: on error no Message is returned.
type Serializer interface {
	SerializeToString(msg *Message) (string, error)
	DeserializeFromString(s string) (*Message, error)
	SerializeToStream(w io.Writer, msg *Message) error
	DeserializeFromStream(r io.Reader) (*Message, error)
}

var _ Serializer = (*JSONSerializer)(nil)

// JSONSerializer is the default Serializer: a JSON envelope whose payload is encoded
// with Codec and typed through Types. The envelope names the payload codec; "json"
// payloads are embedded as JSON, any other codec's bytes travel base64 encoded.
// Incoming payloads are decoded with the named codec looked up in Codecs.
type JSONSerializer struct {
	Codec  Codec
	Codecs *Codecs
	Types  *PayloadTypes
	// Encoding is the text encoding of stream variants (default UTF-8).
	Encoding encoding.Encoding
}

// NewJSONSerializer returns a serializer using JSONCodec and DefaultPayloadTypes.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{Codec: JSONCodec{}, Codecs: DefaultCodecs, Types: DefaultPayloadTypes, Encoding: unicode.UTF8}
}

type envelope struct {
	ID            string          `json:"id"`
	Address       string          `json:"address,omitempty"`
	PayloadType   string          `json:"payloadType,omitempty"`
	Codec         string          `json:"codec,omitempty"` // empty means json
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadBin    []byte          `json:"payloadBin,omitempty"`
	FromGlobal    bool            `json:"fromGlobal,omitempty"`
	ToGlobal      bool            `json:"toGlobal,omitempty"`
	ResponseTo    string          `json:"responseTo,omitempty"`
	WantsResponse bool            `json:"wantsResponse,omitempty"`
	Fault         *Fault          `json:"fault,omitempty"`
	ProducedAt    int64           `json:"producedAt,omitempty"` // unix ns
	ExpiresAt     int64           `json:"expiresAt,omitempty"`  // unix ns
}

func (s *JSONSerializer) SerializeToString(msg *Message) (string, error) {
	data, err := s.marshal(msg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *JSONSerializer) DeserializeFromString(str string) (*Message, error) {
	return s.unmarshal([]byte(str))
}

func (s *JSONSerializer) SerializeToStream(w io.Writer, msg *Message) error {
	return s.SerializeToStreamEncoded(w, msg, nil)
}

func (s *JSONSerializer) DeserializeFromStream(r io.Reader) (*Message, error) {
	return s.DeserializeFromStreamEncoded(r, nil)
}

// SerializeToStreamEncoded writes msg to w in the given text encoding (nil selects the
// serializer default). w is never closed.
func (s *JSONSerializer) SerializeToStreamEncoded(w io.Writer, msg *Message, enc encoding.Encoding) error {
	if w == nil {
		return nilArg("SerializeToStream", "w")
	}
	data, err := s.marshal(msg)
	if err != nil {
		return err
	}
	ew := s.encoding(enc).NewEncoder().Writer(noCloseWriter{w})
	if _, err := ew.Write(data); err != nil {
		return &SerializationError{Op: "serialize", Err: err}
	}
	// flush the transformer; the wrapper keeps the caller's stream open
	if c, ok := ew.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return &SerializationError{Op: "serialize", Err: err}
		}
	}
	return nil
}

// DeserializeFromStreamEncoded reads a single message occupying the rest of r.
func (s *JSONSerializer) DeserializeFromStreamEncoded(r io.Reader, enc encoding.Encoding) (*Message, error) {
	if r == nil {
		return nil, nilArg("DeserializeFromStream", "r")
	}
	data, err := io.ReadAll(s.encoding(enc).NewDecoder().Reader(noCloseReader{r}))
	if err != nil {
		return nil, &SerializationError{Op: "deserialize", Err: err}
	}
	return s.unmarshal(data)
}

func (s *JSONSerializer) marshal(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, nilArg("Serialize", "msg")
	}
	env := envelope{
		ID:            msg.ID.String(),
		Address:       msg.Address,
		FromGlobal:    msg.FromGlobal,
		ToGlobal:      msg.ToGlobal,
		WantsResponse: msg.WantsResponse,
		Fault:         msg.Fault,
		ProducedAt:    unixNano(msg.ProducedAt),
		ExpiresAt:     unixNano(msg.ExpiresAt),
	}
	if msg.ResponseTo != nil {
		env.ResponseTo = msg.ResponseTo.String()
	}
	if msg.Payload != nil {
		name := PayloadTypeName(msg.Payload)
		if _, ok := s.types().Lookup(name); !ok {
			return nil, &SerializationError{Op: "serialize", Err: fmt.Errorf("payload type %q not registered", name)}
		}
		codec := s.codec()
		raw, err := codec.Marshal(msg.Payload)
		if err != nil {
			return nil, &SerializationError{Op: "serialize", Err: err}
		}
		env.PayloadType = name
		if cn := codec.Name(); cn == "json" {
			env.Payload = raw
		} else {
			env.Codec = cn
			env.PayloadBin = raw
		}
	}
	data, err := json.Marshal(&env)
	if err != nil {
		return nil, &SerializationError{Op: "serialize", Err: err}
	}
	return data, nil
}

func (s *JSONSerializer) unmarshal(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &SerializationError{Op: "deserialize", Err: err}
	}
	id, err := uuid.Parse(env.ID)
	if err != nil {
		return nil, &SerializationError{Op: "deserialize", Err: fmt.Errorf("id: %w", err)}
	}
	msg := &Message{
		ID:            id,
		Address:       env.Address,
		FromGlobal:    env.FromGlobal,
		ToGlobal:      env.ToGlobal,
		WantsResponse: env.WantsResponse,
		Fault:         env.Fault,
		ProducedAt:    fromUnixNano(env.ProducedAt),
		ExpiresAt:     fromUnixNano(env.ExpiresAt),
	}
	if env.ResponseTo != "" {
		rt, err := uuid.Parse(env.ResponseTo)
		if err != nil {
			return nil, &SerializationError{Op: "deserialize", Err: fmt.Errorf("responseTo: %w", err)}
		}
		msg.ResponseTo = &rt
	}
	if env.PayloadType != "" {
		t, ok := s.types().Lookup(env.PayloadType)
		if !ok {
			return nil, &SerializationError{Op: "deserialize", Err: fmt.Errorf("payload type %q not registered", env.PayloadType)}
		}
		raw := []byte(env.Payload)
		if env.Codec != "" {
			raw = env.PayloadBin
		}
		v := reflect.New(t)
		if len(raw) > 0 {
			codec, err := s.codecFor(env.Codec)
			if err != nil {
				return nil, &SerializationError{Op: "deserialize", Err: err}
			}
			if err := codec.Unmarshal(raw, v.Interface()); err != nil {
				return nil, &SerializationError{Op: "deserialize", Err: err}
			}
		}
		msg.Payload = v.Elem().Interface()
		msg.PayloadType = env.PayloadType
	}
	return msg, nil
}

func (s *JSONSerializer) codec() Codec {
	if s.Codec == nil {
		return JSONCodec{}
	}
	return s.Codec
}

// codecFor resolves the codec named by an envelope; the sender's own codec always
// resolves even when it is missing from Codecs.
func (s *JSONSerializer) codecFor(name string) (Codec, error) {
	if name == "" {
		name = "json"
	}
	if own := s.codec(); own.Name() == name {
		return own, nil
	}
	codecs := s.Codecs
	if codecs == nil {
		codecs = DefaultCodecs
	}
	return codecs.Lookup(name)
}

func (s *JSONSerializer) types() *PayloadTypes {
	if s.Types == nil {
		return DefaultPayloadTypes
	}
	return s.Types
}

func (s *JSONSerializer) encoding(enc encoding.Encoding) encoding.Encoding {
	switch {
	case enc != nil:
		return enc
	case s.Encoding != nil:
		return s.Encoding
	default:
		return unicode.UTF8
	}
}

// noCloseWriter hides the Close method of the caller's stream from the codec.
type noCloseWriter struct{ w io.Writer }

func (n noCloseWriter) Write(p []byte) (int, error) { return n.w.Write(p) }

type noCloseReader struct{ r io.Reader }

func (n noCloseReader) Read(p []byte) (int, error) { return n.r.Read(p) }

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

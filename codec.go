package xmbus

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
)

// Codec encodes the payload carried inside a message envelope. The envelope records
// the codec name, so a receiver decodes each payload with the codec its sender used
// as long as both sides know that name.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec embeds payloads in the envelope as plain JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string                    { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// GobCodec encodes payloads with encoding/gob. Only exported fields survive.
type GobCodec struct{}

func (GobCodec) Name() string { return "gob" }

func (GobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Unmarshal(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// Codecs is a name-keyed set of payload codecs known to a serializer.
type Codecs struct {
	mu     sync.RWMutex
	byName map[string]Codec
}

// DefaultCodecs holds "json" and "gob" plus whatever RegisterCodec adds.
var DefaultCodecs = NewCodecs()

// NewCodecs returns a set preloaded with JSONCodec and GobCodec.
func NewCodecs() *Codecs {
	c := &Codecs{byName: map[string]Codec{}}
	_ = c.Register(JSONCodec{})
	_ = c.Register(GobCodec{})
	return c
}

// Register adds codec under its Name, replacing a previous codec of that name.
func (c *Codecs) Register(codec Codec) error {
	if codec == nil {
		return nilArg("RegisterCodec", "codec")
	}
	name := codec.Name()
	if name == "" {
		return &ArgumentError{Op: "RegisterCodec", Arg: "codec", Msg: "name must not be empty"}
	}
	c.mu.Lock()
	c.byName[name] = codec
	c.mu.Unlock()
	return nil
}

// Lookup resolves a codec name; unknown names are an error naming the codec.
func (c *Codecs) Lookup(name string) (Codec, error) {
	c.mu.RLock()
	codec, ok := c.byName[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return codec, nil
}

// With returns a copy of c that also holds codec.
func (c *Codecs) With(codec Codec) *Codecs {
	c.mu.RLock()
	out := &Codecs{byName: maps.Clone(c.byName)}
	c.mu.RUnlock()
	_ = out.Register(codec)
	return out
}

// RegisterCodec adds codec to DefaultCodecs.
func RegisterCodec(codec Codec) error { return DefaultCodecs.Register(codec) }

package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmbus"
)

const ConnectionName = "memory"

func init() {
	if err := xmbus.RegisterConnection(ConnectionName, func(cfg map[string]any) (xmbus.Connection, error) {
		var hub *Hub
		if h, ok := cfg["hub"].(*Hub); ok {
			hub = h
		}
		return New(hub, ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xmbus/memory: failed to register connection: %w", err))
	}
}

var (
	ErrNotInitialized = errors.New("memory connection is not initialized")
	ErrNoSerializer   = errors.New("memory connection configured to serialize but has no serializer")
)

// Config controls memory connection behavior.
type Config struct {
	// Name identifies the connection in logs and health (default: "memory").
	Name string
	// Hub names the process-wide hub to join when no *Hub is passed (default: "default").
	Hub string
	// BufferSize caps the inbox; overflowing it marks the connection broken (default: 4096).
	BufferSize int
	// Serialize round-trips every message through the bus serializer, exercising the same
	// path a network connection takes (default: false).
	Serialize bool
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	getStr := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}
	serialize, _ := cfg["serialize"].(bool)

	return Config{
		Name:       getStr("name", ConnectionName),
		Hub:        getStr("hub", "default"),
		BufferSize: max(1, getInt("buffer_size", 4096)),
		Serialize:  serialize,
	}
}

// toMap converts Config to the generic map expected by the connection factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"name":        c.Name,
		"hub":         c.Hub,
		"buffer_size": c.BufferSize,
		"serialize":   c.Serialize,
	}
}

// Hub joins in-process connections: whatever one peer sends, every other peer receives.
type Hub struct {
	mu    sync.RWMutex
	peers []*Connection
}

func NewHub() *Hub { return &Hub{} }

var (
	hubsMu sync.Mutex
	hubs   = map[string]*Hub{}
)

// GetHub returns the process-wide hub registered under name, creating it on first use.
func GetHub(name string) *Hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h, ok := hubs[name]
	if !ok {
		h = NewHub()
		hubs[name] = h
	}
	return h
}

// Peers returns the number of joined connections.
func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) join(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.peers {
		if p == c {
			return
		}
	}
	h.peers = append(h.peers, c)
}

func (h *Hub) leave(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.peers {
		if p == c {
			h.peers = append(h.peers[:i], h.peers[i+1:]...)
			return
		}
	}
}

func (h *Hub) broadcast(from *Connection, msg *xmbus.Message, wire string) {
	h.mu.RLock()
	peers := make([]*Connection, 0, len(h.peers))
	for _, p := range h.peers {
		if p != from {
			peers = append(peers, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range peers {
		p.accept(msg, wire)
	}
}

// Connection is an xmbus.Connection over a Hub. Without Serialize peers share the
// sender's *Message, which the bus never mutates.
type Connection struct {
	xmbus.BrokenState

	cfg        Config
	hub        *Hub
	inbox      *xmbus.Inbox
	serializer xmbus.Serializer
	logger     *xlog.Logger
	joined     atomic.Bool

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

var _ xmbus.Connection = (*Connection)(nil)

// New creates a connection on hub, or on GetHub(cfg.Hub) when hub is nil.
func New(hub *Hub, cfg Config) *Connection {
	if cfg.Name == "" {
		cfg.Name = ConnectionName
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 4096
	}
	if hub == nil {
		name := cfg.Hub
		if name == "" {
			name = "default"
		}
		hub = GetHub(name)
	}
	return &Connection{cfg: cfg, hub: hub, inbox: xmbus.NewInbox(cfg.BufferSize)}
}

func (c *Connection) Name() string { return c.cfg.Name }

// Hub returns the hub the connection joins.
func (c *Connection) Hub() *Hub { return c.hub }

func (c *Connection) Initialize(_ context.Context, dc *xmbus.DependencyContext) error {
	if dc != nil {
		c.serializer = dc.Serializer
		c.logger = dc.Logger
	}
	if c.cfg.Serialize && c.serializer == nil {
		return ErrNoSerializer
	}
	c.Reset()
	c.inbox.Drain(nil)
	c.hub.join(c)
	c.joined.Store(true)
	return nil
}

func (c *Connection) Unload(context.Context) error {
	if c.joined.Swap(false) {
		c.hub.leave(c)
	}
	return nil
}

// SendMessage hands msg to every other peer of the hub.
func (c *Connection) SendMessage(msg *xmbus.Message) error {
	if !c.joined.Load() {
		return ErrNotInitialized
	}
	var wire string
	if c.cfg.Serialize {
		s, err := c.serializer.SerializeToString(msg)
		if err != nil {
			return err
		}
		wire = s
	}
	c.sent.Add(1)
	c.hub.broadcast(c, msg, wire)
	return nil
}

func (c *Connection) accept(msg *xmbus.Message, wire string) {
	if !c.joined.Load() || c.IsBroken() {
		c.dropped.Add(1)
		return
	}
	if c.cfg.Serialize {
		m, err := c.serializer.DeserializeFromString(wire)
		if err != nil {
			c.dropped.Add(1)
			if c.logger != nil {
				c.logger.Warn().Err(err).Str("connection", c.cfg.Name).Msg("xmbus/memory: dropping undecodable message")
			}
			return
		}
		msg = m
	}
	if !c.inbox.Push(msg) {
		c.dropped.Add(1)
		c.Break(fmt.Sprintf("inbox overflow (capacity %d)", c.cfg.BufferSize))
		return
	}
	c.received.Add(1)
}

func (c *Connection) DequeueMessages(dst []*xmbus.Message) []*xmbus.Message {
	return c.inbox.Drain(dst)
}

// Stats reports message counters.
type Stats struct {
	Sent     uint64
	Received uint64
	Dropped  uint64
	Queued   int
}

func (c *Connection) Stats() Stats {
	return Stats{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Dropped:  c.dropped.Load(),
		Queued:   c.inbox.Len(),
	}
}

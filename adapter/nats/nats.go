// Package nats provides a NATS connection for xmbus: every peer publishes to and
// subscribes on one subject.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmbus"
)

const ConnectionName = "nats"

// originHeader carries the sending connection's id so echoes can be skipped on
// connections that were not dialed with NoEcho.
const originHeader = "Xmbus-Origin"

func init() {
	if err := xmbus.RegisterConnection(ConnectionName, func(cfg map[string]any) (xmbus.Connection, error) {
		return New(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xmbus/nats: failed to register connection: %w", err))
	}
}

var ErrNotInitialized = errors.New("nats connection is not initialized")

// Config holds NATS connection configuration.
type Config struct {
	// Name identifies the connection in logs and health (default: "nats").
	Name string
	// URL is the NATS server URL (default: nats.DefaultURL).
	URL     string
	Subject string
	// ClientName is reported to the server.
	ClientName string

	Token    string
	User     string
	Password string

	ReconnectWait time.Duration
	// MaxReconnects is the maximum number of reconnection attempts; -1 = unlimited.
	MaxReconnects  int
	ConnectTimeout time.Duration

	// InboxSize bounds decoded messages waiting for the bus.
	InboxSize int
}

// Defaults returns configuration with sensible defaults.
func Defaults() Config {
	return Config{
		Name:           ConnectionName,
		URL:            nats.DefaultURL,
		Subject:        "xmbus",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		InboxSize:      16384,
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url required")
	}
	if c.Subject == "" {
		return fmt.Errorf("config: subject required")
	}
	return nil
}

func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	for k, dst := range map[string]*string{
		"name": &c.Name, "url": &c.URL, "subject": &c.Subject, "client_name": &c.ClientName,
		"token": &c.Token, "user": &c.User, "password": &c.Password,
	} {
		if v, ok := m[k].(string); ok && v != "" {
			*dst = v
		}
	}
	for k, dst := range map[string]*time.Duration{
		"reconnect_wait": &c.ReconnectWait, "connect_timeout": &c.ConnectTimeout,
	} {
		switch v := m[k].(type) {
		case time.Duration:
			*dst = v
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	for k, dst := range map[string]*int{"max_reconnects": &c.MaxReconnects, "inbox_size": &c.InboxSize} {
		switch v := m[k].(type) {
		case int:
			*dst = v
		case int64:
			*dst = int(v)
		case float64:
			*dst = int(v)
		}
	}
	return c
}

// Connection is an xmbus.Connection over a NATS subject.
type Connection struct {
	xmbus.BrokenState

	cfg        Config
	origin     string
	nc         *nats.Conn
	owned      bool
	sub        *nats.Subscription
	serializer xmbus.Serializer
	logger     *xlog.Logger
	inbox      *xmbus.Inbox
	mu         sync.Mutex
	active     atomic.Bool

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

var _ xmbus.Connection = (*Connection)(nil)

// New returns a connection that dials cfg.URL in Initialize.
func New(cfg Config) *Connection {
	if cfg.Name == "" {
		cfg.Name = ConnectionName
	}
	return &Connection{cfg: cfg, origin: uuid.NewString()}
}

// NewFromConn uses an existing NATS connection; Unload leaves it open.
func NewFromConn(nc *nats.Conn, cfg Config) *Connection {
	c := New(cfg)
	c.nc = nc
	return c
}

func (c *Connection) Name() string { return c.cfg.Name }

func (c *Connection) Initialize(ctx context.Context, dc *xmbus.DependencyContext) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	_ = c.Unload(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if dc != nil {
		c.serializer = dc.Serializer
		c.logger = dc.Logger
	}
	if c.serializer == nil {
		c.serializer = xmbus.NewJSONSerializer()
	}

	nc := c.nc
	c.owned = nc == nil
	if c.owned {
		var err error
		nc, err = nats.Connect(c.cfg.URL, c.options()...)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
	} else {
		nc.SetDisconnectErrHandler(c.onDisconnect)
		nc.SetClosedHandler(c.onClosed)
	}
	c.nc = nc
	c.inbox = xmbus.NewInbox(c.cfg.InboxSize)
	c.Reset()

	sub, err := nc.Subscribe(c.cfg.Subject, c.onMsg)
	if err != nil {
		if c.owned {
			nc.Close()
		}
		return fmt.Errorf("nats subscribe %q: %w", c.cfg.Subject, err)
	}
	c.sub = sub
	c.active.Store(true)
	return nil
}

func (c *Connection) options() []nats.Option {
	opts := []nats.Option{
		nats.NoEcho(),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.Timeout(c.cfg.ConnectTimeout),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ClosedHandler(c.onClosed),
		nats.ErrorHandler(c.onAsyncError),
	}
	if c.cfg.ClientName != "" {
		opts = append(opts, nats.Name(c.cfg.ClientName))
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}
	if c.cfg.User != "" {
		opts = append(opts, nats.UserInfo(c.cfg.User, c.cfg.Password))
	}
	return opts
}

func (c *Connection) onDisconnect(_ *nats.Conn, err error) {
	if !c.active.Load() {
		return
	}
	if err == nil {
		c.Break("disconnected")
		return
	}
	c.Break("disconnected: " + err.Error())
}

func (c *Connection) onClosed(*nats.Conn) {
	if c.active.Load() {
		c.Break("connection closed")
	}
}

func (c *Connection) onAsyncError(_ *nats.Conn, _ *nats.Subscription, err error) {
	if errors.Is(err, nats.ErrSlowConsumer) {
		c.Break("slow consumer: " + err.Error())
	}
	if c.logger != nil {
		c.logger.Warn().Err(err).Str("connection", c.cfg.Name).Msg("xmbus/nats: async error")
	}
}

func (c *Connection) onMsg(m *nats.Msg) {
	if m.Header != nil && m.Header.Get(originHeader) == c.origin {
		return
	}
	msg, err := c.serializer.DeserializeFromString(string(m.Data))
	if err != nil {
		c.dropped.Add(1)
		if c.logger != nil {
			c.logger.Warn().Err(err).Str("connection", c.cfg.Name).Msg("xmbus/nats: dropping undecodable message")
		}
		return
	}
	if !c.inbox.Push(msg) {
		c.dropped.Add(1)
		c.Break(fmt.Sprintf("inbox overflow (capacity %d)", c.cfg.InboxSize))
		return
	}
	c.received.Add(1)
}

// Unload unsubscribes and closes the connection it dialed.
func (c *Connection) Unload(context.Context) error {
	if !c.active.Swap(false) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.sub != nil {
		err = c.sub.Unsubscribe()
		c.sub = nil
	}
	if c.owned {
		c.nc.Close()
		c.nc = nil
	}
	return err
}

// SendMessage publishes msg; the NATS client buffers it for its flusher.
func (c *Connection) SendMessage(msg *xmbus.Message) error {
	if !c.active.Load() {
		return ErrNotInitialized
	}
	data, err := c.serializer.SerializeToString(msg)
	if err != nil {
		return err
	}
	out := &nats.Msg{Subject: c.cfg.Subject, Data: []byte(data), Header: nats.Header{}}
	out.Header.Set(originHeader, c.origin)
	if err := c.nc.PublishMsg(out); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	c.sent.Add(1)
	return nil
}

func (c *Connection) DequeueMessages(dst []*xmbus.Message) []*xmbus.Message {
	if c.inbox == nil {
		return dst
	}
	return c.inbox.Drain(dst)
}

// Stats reports message counters.
type Stats struct {
	Sent     uint64
	Received uint64
	Dropped  uint64
}

func (c *Connection) Stats() Stats {
	return Stats{Sent: c.sent.Load(), Received: c.received.Load(), Dropped: c.dropped.Load()}
}

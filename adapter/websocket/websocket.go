// Package websocket links xmbus nodes over WebSockets. Connection is one duplex link,
// dialed or accepted; Server accepts many peers behind an http.Handler and fans
// outgoing messages out to all of them.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmbus"
)

const ConnectionName = "websocket"

func init() {
	if err := xmbus.RegisterConnection(ConnectionName, func(cfg map[string]any) (xmbus.Connection, error) {
		return New(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xmbus/websocket: failed to register connection: %w", err))
	}
}

var (
	ErrNotInitialized = errors.New("websocket connection is not initialized")
	ErrOutboxFull     = errors.New("websocket outbox is full")
	ErrNoPeers        = errors.New("websocket server has no peers")
	// ErrConnConsumed is returned when an accepted connection is initialized again
	// after Unload; it cannot be redialed.
	ErrConnConsumed = errors.New("websocket connection was already used")
)

type counters struct {
	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

// Stats reports message counters.
type Stats struct {
	Sent     uint64
	Received uint64
	Dropped  uint64
	Peers    int
}

func (c *counters) stats(peers int) Stats {
	return Stats{Sent: c.sent.Load(), Received: c.received.Load(), Dropped: c.dropped.Load(), Peers: peers}
}

// receiver decodes inbound frames into an inbox; shared by Connection and Server.
type receiver struct {
	name       string
	serializer xmbus.Serializer
	logger     *xlog.Logger
	inbox      *xmbus.Inbox
	capacity   int
	counters
}

func (r *receiver) init(dc *xmbus.DependencyContext) {
	if dc != nil {
		r.serializer = dc.Serializer
		r.logger = dc.Logger
	}
	if r.serializer == nil {
		r.serializer = xmbus.NewJSONSerializer()
	}
	r.inbox = xmbus.NewInbox(r.capacity)
}

// accept reports false when the inbox overflowed.
func (r *receiver) accept(data []byte) bool {
	msg, err := r.serializer.DeserializeFromString(string(data))
	if err != nil {
		r.dropped.Add(1)
		if r.logger != nil {
			r.logger.Warn().Err(err).Str("connection", r.name).Msg("xmbus/websocket: dropping undecodable frame")
		}
		return true
	}
	if !r.inbox.Push(msg) {
		r.dropped.Add(1)
		return false
	}
	r.received.Add(1)
	return true
}

func (r *receiver) dequeue(dst []*xmbus.Message) []*xmbus.Message {
	if r.inbox == nil {
		return dst
	}
	return r.inbox.Drain(dst)
}

// Connection is an xmbus.Connection over a single WebSocket.
type Connection struct {
	xmbus.BrokenState
	receiver

	cfg    Config
	conn   *websocket.Conn
	mu     sync.Mutex
	peer   *peer
	active atomic.Bool
}

var _ xmbus.Connection = (*Connection)(nil)

// New returns a connection that dials cfg.URL in Initialize.
func New(cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validateClient(); err != nil {
		return nil, err
	}
	return &Connection{cfg: cfg, receiver: receiver{name: cfg.Name, capacity: cfg.InboxSize}}, nil
}

// NewConn wraps an established WebSocket, e.g. one accepted with Upgrader.
func NewConn(conn *websocket.Conn, cfg Config) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{cfg: cfg, conn: conn, receiver: receiver{name: cfg.Name, capacity: cfg.InboxSize}}
}

func (c *Connection) Name() string { return c.cfg.Name }

func (c *Connection) Initialize(ctx context.Context, dc *xmbus.DependencyContext) error {
	_ = c.Unload(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	conn := c.conn
	c.conn = nil
	if conn == nil {
		if c.cfg.URL == "" {
			return ErrConnConsumed
		}
		dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
		var err error
		conn, _, err = dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err != nil {
			return fmt.Errorf("websocket dial %s: %w", c.cfg.URL, err)
		}
	}

	c.receiver.init(dc)
	c.Reset()
	c.peer = newPeer(conn, c.cfg, c.onData, c.onClose)
	c.active.Store(true)
	c.peer.start()
	return nil
}

func (c *Connection) onData(data []byte) {
	if !c.accept(data) {
		c.Break(fmt.Sprintf("inbox overflow (capacity %d)", c.cfg.InboxSize))
	}
}

func (c *Connection) onClose(_ *peer, err error) {
	if err == nil {
		c.Break("peer closed the connection")
		return
	}
	c.Break("connection lost: " + err.Error())
}

// Unload sends a close frame after flushing queued frames.
func (c *Connection) Unload(context.Context) error {
	if !c.active.Swap(false) {
		return nil
	}
	c.mu.Lock()
	p := c.peer
	c.peer = nil
	c.mu.Unlock()
	p.close()
	return nil
}

func (c *Connection) SendMessage(msg *xmbus.Message) error {
	c.mu.Lock()
	p := c.peer
	c.mu.Unlock()
	if p == nil || !c.active.Load() {
		return ErrNotInitialized
	}
	data, err := c.serializer.SerializeToString(msg)
	if err != nil {
		return err
	}
	if !p.enqueue([]byte(data)) {
		c.dropped.Add(1)
		c.Break(fmt.Sprintf("outbox full (capacity %d)", c.cfg.OutboxSize))
		return ErrOutboxFull
	}
	c.sent.Add(1)
	return nil
}

func (c *Connection) DequeueMessages(dst []*xmbus.Message) []*xmbus.Message {
	return c.dequeue(dst)
}

func (c *Connection) Stats() Stats {
	peers := 0
	if c.active.Load() {
		peers = 1
	}
	return c.stats(peers)
}

// NewUpgrader returns an upgrader for accepting WebSocket connections.
func NewUpgrader(cfg Config) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      cfg.CheckOrigin,
	}
}

// Server is an xmbus.Connection and http.Handler. Every upgraded request becomes a
// peer; SendMessage writes to all peers and inbound frames from any peer reach the
// bus. Peers are not relayed to each other.
type Server struct {
	xmbus.BrokenState
	receiver

	cfg      Config
	upgrader *websocket.Upgrader
	mu       sync.Mutex
	peers    map[*peer]struct{}
	active   atomic.Bool
}

var (
	_ xmbus.Connection = (*Server)(nil)
	_ http.Handler     = (*Server)(nil)
)

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		upgrader: NewUpgrader(cfg),
		peers:    make(map[*peer]struct{}),
		receiver: receiver{name: cfg.Name, capacity: cfg.InboxSize},
	}
}

func (s *Server) Name() string { return s.cfg.Name }

func (s *Server) Initialize(ctx context.Context, dc *xmbus.DependencyContext) error {
	_ = s.Unload(ctx)
	s.receiver.init(dc)
	s.Reset()
	s.active.Store(true)
	return nil
}

// ServeHTTP upgrades the request and registers the peer until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.active.Load() {
		http.Error(w, "bus connection not initialized", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		if s.logger != nil {
			s.logger.Warn().Err(err).Str("connection", s.cfg.Name).Str("remote", r.RemoteAddr).Msg("xmbus/websocket: upgrade failed")
		}
		return
	}
	p := newPeer(conn, s.cfg, s.onData, s.onClose)

	s.mu.Lock()
	if !s.active.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	p.start()
	if s.logger != nil {
		s.logger.Debug().Str("connection", s.cfg.Name).Str("remote", r.RemoteAddr).Msg("xmbus/websocket: peer connected")
	}
}

func (s *Server) onData(data []byte) {
	if !s.accept(data) {
		s.Break(fmt.Sprintf("inbox overflow (capacity %d)", s.cfg.InboxSize))
	}
}

func (s *Server) onClose(p *peer, err error) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	if err != nil && s.logger != nil {
		s.logger.Debug().Err(err).Str("connection", s.cfg.Name).Msg("xmbus/websocket: peer disconnected")
	}
}

func (s *Server) snapshot() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

// SendMessage queues msg for every peer. A peer whose queue is full is disconnected.
func (s *Server) SendMessage(msg *xmbus.Message) error {
	if !s.active.Load() {
		return ErrNotInitialized
	}
	peers := s.snapshot()
	if len(peers) == 0 {
		return ErrNoPeers
	}
	data, err := s.serializer.SerializeToString(msg)
	if err != nil {
		return err
	}
	frame := []byte(data)
	for _, p := range peers {
		if p.enqueue(frame) {
			s.sent.Add(1)
			continue
		}
		s.dropped.Add(1)
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		go p.close()
	}
	return nil
}

func (s *Server) DequeueMessages(dst []*xmbus.Message) []*xmbus.Message {
	return s.dequeue(dst)
}

// Unload disconnects every peer; later upgrades are refused until Initialize.
func (s *Server) Unload(context.Context) error {
	if !s.active.Swap(false) {
		return nil
	}
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	clear(s.peers)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.close()
		}()
	}
	wg.Wait()
	return nil
}

func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) Stats() Stats { return s.stats(s.Peers()) }
